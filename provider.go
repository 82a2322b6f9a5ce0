package admitgate

import "context"

// Provider is the external image-generation backend.
//
// The gate treats it as opaque: a call either yields an artifact URL or an
// error. The gate guarantees Generate is invoked at most once per admitted
// request, reserving before the call and compensating after a failure.
type Provider interface {
	// Name returns the provider identifier (e.g. "httpimg", "mock").
	Name() string

	// Generate performs one generation. A context deadline hit during the
	// call leaves the true outcome unknown; the gate treats that as
	// ambiguous and rolls back conservatively.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// GenerateRequest is what the provider adapter receives.
type GenerateRequest struct {
	Operation string
	Params    map[string]any
}

// GenerateResult is a successful generation.
type GenerateResult struct {
	ArtifactURL string
}
