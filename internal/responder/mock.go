package responder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/mira/internal/emotion"
)

// MockGenerator produces deterministic local replies when no language
// model backend is configured.
type MockGenerator struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	last  Request
	calls int
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

// Fail makes subsequent calls return err.
func (g *MockGenerator) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// SetDelay makes subsequent calls block for d (or until ctx ends).
func (g *MockGenerator) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// LastRequest returns the most recent request seen.
func (g *MockGenerator) LastRequest() Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Calls returns how many generations were attempted.
func (g *MockGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *MockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	g.calls++
	g.last = req
	err, delay := g.err, g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}

	base := strings.TrimSpace(req.Text)
	if base == "" {
		base = "I'm listening."
	}
	if req.Fused.InsufficientSignal || req.Fused.Dominant == emotion.Neutral {
		return fmt.Sprintf("I hear you: %s", base), nil
	}
	return fmt.Sprintf("I hear you: %s. It sounds like you might be feeling %s.", base, req.Fused.Dominant), nil
}
