package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/config"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/wb-go/wbf/zlog"
)

const maskInstruction = "The second image is a mask of the same size as the first. " +
	"Apply the edit only where the mask is white and keep the black regions unchanged."

// maxErrorBody caps how much of a failed response ends up in Job.error.
const maxErrorBody = 512

type Gemini struct {
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	longCall time.Duration
	client   *http.Client
}

func NewGemini(cfg config.Provider, client *http.Client) *Gemini {
	return &Gemini{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		longCall: cfg.LongCallWarn,
		client:   client,
	}
}

func (g *Gemini) Name() string {
	return NameGemini
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Edit makes exactly one generateContent call and takes the first inline image found
// anywhere in the response.
func (g *Gemini) Edit(ctx context.Context, req Request) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	body, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	elapsed := time.Since(start)
	if g.longCall > 0 && elapsed > g.longCall {
		zlog.Logger.Warn().Dur("elapsed", elapsed).Dur("threshold", g.longCall).Str("model", g.model).
			Msg("Gemini call exceeded long-call threshold")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProvider, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("Failed to close gemini response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readGeminiError(resp)
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrProvider, err)
	}

	for _, c := range parsed.Candidates {
		for _, p := range c.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = model.PNG
			}
			return &Result{ImageBase64: p.InlineData.Data, Mime: mime}, nil
		}
	}

	return nil, model.ErrNoImagePayload
}

func (g *Gemini) buildRequest(req Request) geminiRequest {
	text := req.Prompt
	if req.MaskBase64 != "" {
		text = req.Prompt + "\n\n" + maskInstruction
	}

	parts := []geminiPart{
		{Text: text},
		{InlineData: &geminiInlineData{MimeType: req.ImageMime, Data: req.ImageBase64}},
	}
	if req.MaskBase64 != "" {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: model.PNG, Data: req.MaskBase64}})
	}

	return geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	}
}

func readGeminiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var apiErr geminiError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: status %d: %s", model.ErrProvider, resp.StatusCode, apiErr.Error.Message)
	}

	msg := strings.TrimSpace(string(raw))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", model.ErrProvider, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", model.ErrProvider, resp.StatusCode, msg)
}
