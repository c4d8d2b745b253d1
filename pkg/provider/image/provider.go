// Package image defines the Provider interface for image generation
// backends used to illustrate regions, NPCs and scenes.
//
// Implementors must be safe for concurrent use.
package image

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend answered without an image.
var ErrEmptyResponse = errors.New("image: empty response")

// Request describes one image to generate.
type Request struct {
	// Prompt describes the picture.
	Prompt string

	// Size is a backend-specific size such as "1024x1024". Empty uses the
	// backend default.
	Size string
}

// Image is a generated picture. Exactly one of URL and Data is set.
type Image struct {
	URL  string
	Data []byte

	// MIMEType is set when Data is.
	MIMEType string

	// RevisedPrompt is the prompt the backend actually used, when it
	// rewrote ours.
	RevisedPrompt string
}

// Provider generates images.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}
