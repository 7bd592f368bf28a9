package classify

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/mira/internal/emotion"
)

// MockClassifier returns scripted results. It backs local development
// when no inference endpoint is configured and the collaborator side
// of tests.
type MockClassifier struct {
	mu       sync.Mutex
	modality emotion.Modality
	label    emotion.Label
	conf     float64
	err      error
	delay    time.Duration
	calls    int
}

func NewMockClassifier(modality emotion.Modality, label emotion.Label, conf float64) *MockClassifier {
	return &MockClassifier{modality: modality, label: label, conf: conf}
}

func (m *MockClassifier) Modality() emotion.Modality { return m.modality }

// Fail makes subsequent calls return err.
func (m *MockClassifier) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes subsequent calls block for d (or until ctx ends).
func (m *MockClassifier) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetResult changes the scripted output.
func (m *MockClassifier) SetResult(label emotion.Label, conf float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.label = label
	m.conf = conf
}

// Calls returns how many classifications were attempted.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClassifier) Classify(ctx context.Context, _ Input) (emotion.Result, error) {
	m.mu.Lock()
	m.calls++
	label, conf, err, delay := m.label, m.conf, m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return emotion.Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return emotion.Result{}, err
	}
	return emotion.Result{
		Modality:   m.modality,
		Label:      label,
		Confidence: conf,
		At:         time.Now().UTC(),
	}, nil
}
