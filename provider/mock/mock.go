// Package mock provides a fake generation provider for testing.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pixelforge/admitgate"
)

// Provider is a mock image-generation provider.
type Provider struct {
	name      string
	latency   time.Duration
	staticErr error
	url       string
	callCount atomic.Int64

	generateFunc func(admitgate.GenerateRequest) (admitgate.GenerateResult, error)
}

var _ admitgate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		url:  "https://cdn.example.com/artifacts/mock.png",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithArtifactURL sets the URL returned on success.
func WithArtifactURL(url string) Option {
	return func(p *Provider) { p.url = url }
}

// WithGenerateFunc sets a custom response function.
func WithGenerateFunc(fn func(admitgate.GenerateRequest) (admitgate.GenerateResult, error)) Option {
	return func(p *Provider) { p.generateFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req admitgate.GenerateRequest) (admitgate.GenerateResult, error) {
	p.callCount.Add(1)

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return admitgate.GenerateResult{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return admitgate.GenerateResult{}, p.staticErr
	}

	if p.generateFunc != nil {
		return p.generateFunc(req)
	}

	return admitgate.GenerateResult{ArtifactURL: p.url}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
