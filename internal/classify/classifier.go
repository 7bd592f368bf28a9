// Package classify wraps the modality-specific emotion classifiers
// behind one capability shape: input in, {label, confidence} out.
package classify

import (
	"context"
	"errors"

	"github.com/antoniostano/mira/internal/emotion"
)

// Input carries the classifier-ready unit for one modality. Exactly
// one of the payload fields is set, matching the classifier's
// modality.
type Input struct {
	Image []byte // facial: one encoded camera frame
	Audio []byte // voice: one complete WAV segment
	Text  string // text: one chat message
}

// Classifier produces an emotion result for its modality, or fails.
// Failures are non-fatal to the caller: fusion simply proceeds with
// fewer modalities.
type Classifier interface {
	Modality() emotion.Modality
	Classify(ctx context.Context, in Input) (emotion.Result, error)
}

var (
	ErrEmptyInput    = errors.New("classifier input is empty")
	ErrInvalidOutput = errors.New("classifier returned invalid output")
)
