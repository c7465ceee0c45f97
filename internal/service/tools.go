package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/UnendingLoop/ImageEditor/internal/imageproc"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

// MaxUploadBytes bounds a single multipart file.
const MaxUploadBytes int64 = 20 * 1024 * 1024

// NSFWDirective in a prompt trips the moderation stub the same way the test header does.
const NSFWDirective = "[test:nsfw]"

type submissionFields struct {
	UserID          string `validate:"required,max=128"`
	Prompt          string `validate:"required,max=4000"`
	ClientRequestID string `validate:"omitempty,max=128"`
}

type validatedSubmission struct {
	prompt string
	image  []byte
	mime   string
	mask   []byte // nil when no mask was sent
}

// validateSubmission runs every check that can fail a request with 400/403. Nothing is
// written anywhere before it returns successfully.
func (s *EditService) validateSubmission(data *model.EditCreateData) (*validatedSubmission, error) {
	// корректен ли исходник
	if data.Image == nil {
		return nil, model.ErrEmptySource
	}

	fields := submissionFields{
		UserID:          data.UserID,
		Prompt:          strings.TrimSpace(data.Prompt),
		ClientRequestID: data.ClientRequestID,
	}
	if err := s.validate.Struct(fields); err != nil {
		return nil, fieldError(err)
	}

	// заглушка модерации
	if data.NSFWFlag || strings.Contains(strings.ToLower(fields.Prompt), NSFWDirective) {
		return nil, model.ErrModeration
	}

	// заявленный размер отсекаем до чтения тела
	if data.ImageSize > MaxUploadBytes || data.MaskSize > MaxUploadBytes {
		return nil, model.ErrFileTooLarge
	}

	image, err := readUpload(data.Image)
	if err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, model.ErrEmptySource
	}

	mime := mimetype.Detect(image).String()
	if !model.InImageTypeMap[mime] {
		return nil, model.ErrUnsupportedFormat
	}

	w, h, err := imageproc.Dimensions(image)
	if err != nil {
		return nil, model.ErrBrokenImage
	}

	out := &validatedSubmission{prompt: fields.Prompt, image: image, mime: mime}
	if data.Mask == nil {
		return out, nil
	}

	// маска: только PNG и строго того же размера, что и исходник
	mask, err := readUpload(data.Mask)
	if err != nil {
		return nil, err
	}
	if len(mask) == 0 || mimetype.Detect(mask).String() != model.PNG {
		return nil, model.ErrUnsupportedMask
	}
	mw, mh, err := imageproc.Dimensions(mask)
	if err != nil {
		return nil, model.ErrUnsupportedMask
	}
	if mw != w || mh != h {
		return nil, fmt.Errorf("%w: mask %dx%d, image %dx%d", model.ErrMaskDimensions, mw, mh, w, h)
	}

	out.mask = mask
	return out, nil
}

func readUpload(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBrokenImage, err)
	}
	if n > MaxUploadBytes {
		return nil, model.ErrFileTooLarge
	}
	return buf.Bytes(), nil
}

func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", model.ErrInvalidForm, err)
	}

	fe := verrs[0]
	if fe.Field() == "Prompt" && fe.Tag() == "required" {
		return model.ErrEmptyPrompt
	}
	return fmt.Errorf("%w: %s failed %q", model.ErrInvalidForm, strings.ToLower(fe.Field()), fe.Tag())
}
