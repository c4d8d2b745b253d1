// Package openai provides an image provider backed by the OpenAI images API.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/stagehand/pkg/provider/image"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.ImageModelDallE3

// Provider implements image.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  oai.ImageModel
}

var _ image.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI image Provider. An empty model uses
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai image: apiKey must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	m := oai.ImageModel(model)
	if model == "" {
		m = DefaultModel
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: m}, nil
}

// Generate implements image.Provider.
func (p *Provider) Generate(ctx context.Context, req image.Request) (*image.Image, error) {
	params := oai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  p.model,
		N:      param.NewOpt(int64(1)),
	}
	if req.Size != "" {
		params.Size = oai.ImageGenerateParamsSize(req.Size)
	}
	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai image: generate: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai image: %w", image.ErrEmptyResponse)
	}
	d := resp.Data[0]
	out := &image.Image{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
	if d.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("openai image: decode: %w", err)
		}
		out.Data = data
		out.MIMEType = mimeType(string(resp.OutputFormat))
	}
	if out.URL == "" && len(out.Data) == 0 {
		return nil, fmt.Errorf("openai image: %w", image.ErrEmptyResponse)
	}
	return out, nil
}

func mimeType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
