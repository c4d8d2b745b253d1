// Package mock provides a test double for the image.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/stagehand/pkg/provider/image"
)

// Provider is a mock implementation of image.Provider.
type Provider struct {
	mu sync.Mutex

	// Image is returned by Generate. May be nil.
	Image *image.Image

	// Err, if non-nil, is returned from Generate.
	Err error

	// GenerateFunc, if set, takes precedence over Image and Err.
	GenerateFunc func(ctx context.Context, req image.Request) (*image.Image, error)

	// Requests records every Generate request in order.
	Requests []image.Request
}

var _ image.Provider = (*Provider)(nil)

// Generate records the request and returns the configured result.
func (p *Provider) Generate(ctx context.Context, req image.Request) (*image.Image, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn, img, err := p.GenerateFunc, p.Image, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return img, err
}

// CallCount returns the number of Generate calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
