// Package provider hides the generation backends behind one Editor interface
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/UnendingLoop/ImageEditor/internal/config"
)

const (
	NameMock   = "mock"
	NameGemini = "gemini"
)

// Prompt directives understood by the mock backend.
const (
	DirectiveSlow  = "[test:slow]"
	DirectiveError = "[test:error]"
)

type Request struct {
	ImageBase64 string
	ImageMime   string
	Prompt      string
	MaskBase64  string // empty when the job has no mask
}

type Result struct {
	ImageBase64 string
	Mime        string
}

type Editor interface {
	Name() string
	Edit(ctx context.Context, req Request) (*Result, error)
}

var (
	_ Editor = (*Mock)(nil)
	_ Editor = (*Gemini)(nil)
)

// New picks the backend named in cfg once at startup.
func New(cfg config.Provider) (Editor, error) {
	switch cfg.Name {
	case NameMock:
		return NewMock(cfg.MockSlowDelay), nil
	case NameGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires GEMINI_API_KEY", cfg.Name)
		}
		return NewGemini(cfg, &http.Client{Timeout: cfg.Timeout}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
