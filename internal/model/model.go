// Package model provides data-structs for internal app-usage
package model

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// AllowedFrom lists statuses a job may be in right before moving to target.
// processing->processing covers progress updates only: pending->processing goes
// through the claim, which also takes the lease.
var AllowedFrom = map[Status][]Status{
	StatusProcessing: {StatusProcessing},
	StatusDone:       {StatusProcessing},
	StatusError:      {StatusPending, StatusProcessing},
}

//---------------------

type Upload struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	StorageKey string    `json:"-"`
	Mime       string    `json:"mime"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

type Job struct {
	ID                 uuid.UUID `json:"job_id"`
	UserID             string    `json:"user_id"`
	UploadID           uuid.UUID `json:"upload_id"`
	MaskKey            *string   `json:"-"`
	Prompt             string    `json:"prompt"`
	Status             Status    `json:"status"`
	Progress           *int      `json:"progress,omitempty"`
	ResultKey          *string   `json:"-"`
	Error              *string   `json:"error,omitempty"`
	ClientRequestID    *string   `json:"client_request_id,omitempty"`
	Provider           string    `json:"provider"`
	ReqBytes           *int64    `json:"req_bytes,omitempty"`
	ResBytes           *int64    `json:"res_bytes,omitempty"`
	EstimatedCostCents int64     `json:"estimated_cost_cents"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StatusPatch carries every field setJobStatus writes; nil fields are stored as NULL.
// CostCents is the exception: nil keeps the submission-time estimate.
type StatusPatch struct {
	Progress  *int
	ResultKey *string
	Error     *string
	ReqBytes  *int64
	ResBytes  *int64
	CostCents *int64
}

//-------------------

// EditCreateData is the raw submission as parsed by transport.
type EditCreateData struct {
	UserID          string
	Prompt          string
	ClientRequestID string
	NSFWFlag        bool
	Image           io.Reader
	ImageSize       int64 // declared by the multipart header, 0 when unknown
	Mask            io.Reader
	MaskSize        int64
}

// SubmitResult is returned to the client right after a job is accepted.
type SubmitResult struct {
	JobID              uuid.UUID `json:"job_id"`
	Status             string    `json:"status"`
	EstimatedCostCents int64     `json:"estimated_cost_cents"`
}

const Accepted = "accepted"

// JobView is the polling response.
type JobView struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  *int      `json:"progress,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ResultDelivery holds exactly one of Base64 (small results) or RedirectURL (large ones).
type ResultDelivery struct {
	Base64      string `json:"result_base64,omitempty"`
	RedirectURL string `json:"-"`
}

// InlineResultLimit is the size below which results are inlined as base64.
const InlineResultLimit int64 = 800 * 1024

// QueueTask is the payload dispatched from the API to the worker.
type QueueTask struct {
	JobID  string `json:"jobId"`
	UserID string `json:"userId"`
}

// ------------------

var (
	ErrCommon500         error = errors.New("something went wrong. Try again later")       // 500
	ErrUnauthorized      error = errors.New("missing or invalid bearer token")             // 401
	ErrModeration        error = errors.New("request blocked by content moderation")       // 403
	ErrDailyBudget       error = errors.New("Daily budget exceeded")                       // 429
	ErrUserQuota         error = errors.New("User daily quota exceeded")                   // 429
	ErrJobNotFound       error = errors.New("specified job doesn't exist")                 // 404
	ErrIncorrectID       error = errors.New("incorrect job id")                            // 400
	ErrResultNotReady    error = errors.New("requested job is not done yet")               // 400
	ErrEmptySource       error = errors.New("file is required")                            // 400
	ErrEmptyPrompt       error = errors.New("prompt is required")                          // 400
	ErrUnsupportedFormat error = errors.New("unsupported image format: only jpeg and png") // 400
	ErrUnsupportedMask   error = errors.New("unsupported mask format: only png")           // 400
	ErrMaskDimensions    error = errors.New("mask dimensions must equal image dimensions") // 400
	ErrBrokenImage       error = errors.New("image cannot be decoded")                     // 400
	ErrFileTooLarge      error = errors.New("uploaded file is too large")                  // 400
	ErrInvalidForm       error = errors.New("invalid form field")                          // 400
	ErrInvalidTransition error = errors.New("job status transition is not allowed")        // 409 internally, never exposed
	ErrUploadNotFound    error = errors.New("upload referenced by job doesn't exist")      // worker only
	ErrJobClaimed        error = errors.New("job is held by another worker")               // worker only
	ErrNoImagePayload    error = errors.New("provider response contains no image payload") // worker only
	ErrProvider          error = errors.New("generation provider call failed")             // worker only
	ErrForcedFailure     error = errors.New("provider failure forced by test directive")   // worker only
)

//--------------------

const (
	JPEG = "image/jpeg"
	PNG  = "image/png"
)

var GetImageFileExt = map[string]string{
	JPEG: ".jpg",
	PNG:  ".png",
}

var InImageTypeMap = map[string]bool{
	JPEG: true,
	PNG:  true,
}
