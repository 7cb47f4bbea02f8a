// Package provision acquires the HTTP proxy each chat transport is dialed
// through.
//
// Acquire hands discovery to a worker goroutine and blocks the caller until
// the worker signals completion. The worker publishes its result into a
// single-slot channel and then closes a wake channel; the caller waits on
// the wake channel (or its context) and only then takes the result. A
// discovery that yields nothing is a ProvisioningError, never an empty or
// made-up endpoint.
package provision

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoCandidates means discovery succeeded but returned no endpoints.
var ErrNoCandidates = errors.New("proxy discovery returned no candidates")

// ProvisioningError reports that no usable proxy endpoint could be acquired.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string { return "provision proxy: " + e.Err.Error() }
func (e *ProvisioningError) Unwrap() error { return e.Err }

// Endpoint is a "host:port" proxy address.
type Endpoint string

// URL returns the endpoint as an http proxy URL.
func (e Endpoint) URL() string { return "http://" + string(e) }

// Fetcher discovers candidate endpoints.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]string, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]string, error) { return f(ctx) }

// Exclusions lists endpoints that should be avoided when alternatives exist.
type Exclusions interface {
	Excluded(ctx context.Context) (map[string]bool, error)
}

// Provisioner picks one proxy per Acquire call.
type Provisioner struct {
	fetcher Fetcher
	exclude Exclusions
	pick    func(n int) int
	logger  zerolog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithExclusions makes Acquire skip endpoints reported by ex.
func WithExclusions(ex Exclusions) Option {
	return func(p *Provisioner) { p.exclude = ex }
}

// WithPicker replaces the uniform random choice. Tests use it to pin picks.
func WithPicker(pick func(n int) int) Option {
	return func(p *Provisioner) { p.pick = pick }
}

// New returns a Provisioner backed by f.
func New(f Fetcher, opts ...Option) *Provisioner {
	p := &Provisioner{
		fetcher: f,
		pick:    rand.IntN,
		logger:  log.With().Str("module", "provision").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type fetchResult struct {
	candidates []string
	err        error
}

// Acquire blocks until discovery completes and returns one of the
// discovered endpoints.
func (p *Provisioner) Acquire(ctx context.Context) (Endpoint, error) {
	wake := make(chan struct{})
	result := make(chan fetchResult, 1)

	go func() {
		defer close(wake)
		candidates, err := p.fetcher.Fetch(ctx)
		result <- fetchResult{candidates: candidates, err: err}
	}()

	select {
	case <-wake:
	case <-ctx.Done():
		return "", &ProvisioningError{Err: ctx.Err()}
	}

	res := <-result
	if res.err != nil {
		return "", &ProvisioningError{Err: res.err}
	}
	candidates := p.filter(ctx, res.candidates)
	if len(candidates) == 0 {
		return "", &ProvisioningError{Err: ErrNoCandidates}
	}

	ep := Endpoint(candidates[p.pick(len(candidates))])
	p.logger.Info().Str("proxy", string(ep)).Int("candidates", len(res.candidates)).Msg("fetched proxy")
	return ep, nil
}

// filter drops excluded endpoints unless that would leave nothing.
func (p *Provisioner) filter(ctx context.Context, candidates []string) []string {
	if p.exclude == nil || len(candidates) == 0 {
		return candidates
	}
	excluded, err := p.exclude.Excluded(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("proxy exclusions unavailable")
		return candidates
	}
	kept := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !excluded[c] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		p.logger.Warn().Int("candidates", len(candidates)).Msg("every candidate was retired; reusing")
		return candidates
	}
	return kept
}
