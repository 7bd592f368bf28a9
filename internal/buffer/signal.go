package buffer

import (
	"errors"
	"sync"
)

var (
	// ErrSegmentTooLarge is returned when an audio utterance exceeds
	// the per-session cap. The caller rejects the utterance instead of
	// silently truncating it.
	ErrSegmentTooLarge = errors.New("audio segment exceeds size cap")

	// ErrSegmentEmpty is returned when an utterance completes with no
	// accumulated bytes.
	ErrSegmentEmpty = errors.New("audio segment is empty")
)

// FrameSlot holds at most one undelivered video frame. Facial emotion
// only needs the current state, so an unconsumed frame is simply
// overwritten (last write wins).
type FrameSlot struct {
	mu      sync.Mutex
	frame   []byte
	dropped int
}

// Put stores a frame, replacing any undelivered one. It reports
// whether a previous frame was dropped.
func (s *FrameSlot) Put(frame []byte) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped = s.frame != nil
	if dropped {
		s.dropped++
	}
	s.frame = frame
	return dropped
}

// Take removes and returns the pending frame, if any.
func (s *FrameSlot) Take() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	f := s.frame
	s.frame = nil
	return f, true
}

// Dropped returns how many frames were overwritten before delivery.
func (s *FrameSlot) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// AudioAccumulator assembles an utterance from a stream of chunks.
// It enforces a hard byte cap; the utterance in progress is discarded
// when the cap is exceeded so a runaway stream can never grow memory
// without bound.
type AudioAccumulator struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
}

// NewAudioAccumulator returns an accumulator capped at maxBytes.
func NewAudioAccumulator(maxBytes int) *AudioAccumulator {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &AudioAccumulator{maxBytes: maxBytes}
}

// Append adds a chunk to the utterance in progress. When the cap would
// be exceeded the whole pending utterance is discarded and
// ErrSegmentTooLarge is returned.
func (a *AudioAccumulator) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf)+len(chunk) > a.maxBytes {
		a.buf = nil
		return ErrSegmentTooLarge
	}
	a.buf = append(a.buf, chunk...)
	return nil
}

// Complete validates and returns the assembled utterance, clearing the
// accumulator for the next one.
func (a *AudioAccumulator) Complete() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 {
		return nil, ErrSegmentEmpty
	}
	out := a.buf
	a.buf = nil
	return out, nil
}

// Len returns the number of bytes accumulated so far.
func (a *AudioAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset discards any pending utterance.
func (a *AudioAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
}
