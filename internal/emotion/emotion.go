package emotion

import "time"

// Label is one of the fixed categorical emotion labels shared by every
// modality classifier.
type Label string

const (
	Happiness Label = "happiness"
	Sadness   Label = "sadness"
	Anger     Label = "anger"
	Fear      Label = "fear"
	Surprise  Label = "surprise"
	Neutral   Label = "neutral"
)

// Valid reports whether l belongs to the fixed label set.
func (l Label) Valid() bool {
	switch l {
	case Happiness, Sadness, Anger, Fear, Surprise, Neutral:
		return true
	default:
		return false
	}
}

// Modality identifies one input channel.
type Modality string

const (
	ModalityFacial Modality = "facial"
	ModalityVoice  Modality = "voice"
	ModalityText   Modality = "text"
)

// fusionOrder is the fixed arbitration order. Facial wins ties because
// it is the least susceptible to verbal mismatch (sarcasm, ambiguous
// text affect).
var fusionOrder = []Modality{ModalityFacial, ModalityVoice, ModalityText}

// Result is a single classifier output for one modality. A Result is
// immutable; a later Result of the same modality supersedes it.
type Result struct {
	Modality   Modality  `json:"modality"`
	Label      Label     `json:"emotion"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Fresh reports whether the result is recent enough to participate in
// fusion at instant now.
func (r Result) Fresh(now time.Time, staleness time.Duration) bool {
	if r.Label == "" {
		return false
	}
	return now.Sub(r.At) <= staleness
}

type point struct {
	valence float64
	arousal float64
}

var coordinates = map[Label]point{
	Happiness: {valence: 0.8, arousal: 0.5},
	Sadness:   {valence: -0.7, arousal: -0.3},
	Anger:     {valence: -0.6, arousal: 0.7},
	Fear:      {valence: -0.5, arousal: 0.6},
	Surprise:  {valence: 0.2, arousal: 0.8},
	Neutral:   {valence: 0, arousal: 0},
}

// FusedState is the unified valence/arousal/dominant-label summary
// derived from the latest result of each modality.
type FusedState struct {
	Dominant Label   `json:"dominant_emotion"`
	Valence  float64 `json:"valence"`
	Arousal  float64 `json:"arousal"`

	// InsufficientSignal marks the explicit unknown sentinel: no
	// modality had a fresh result, nothing was fabricated.
	InsufficientSignal bool `json:"insufficient_signal"`
}

// Unknown is the sentinel fused state used when no modality has a
// fresh result.
func Unknown() FusedState {
	return FusedState{Dominant: Neutral, InsufficientSignal: true}
}

// Fuse combines up to one Result per modality into a single snapshot.
// Results older than staleness at instant now are excluded. The output
// is deterministic: modalities are visited in the fixed fusion order,
// the dominant label is the argmax over participating confidences with
// ties broken by that same order, and valence/arousal are the
// confidence-weighted average of each participating label's fixed
// coordinate point. A missing modality contributes zero weight rather
// than a zero-valence vote.
func Fuse(latest map[Modality]Result, now time.Time, staleness time.Duration) FusedState {
	var (
		weight   float64
		valSum   float64
		aroSum   float64
		dominant Label
		topConf  = -1.0
	)

	for _, m := range fusionOrder {
		r, ok := latest[m]
		if !ok || !r.Fresh(now, staleness) || !r.Label.Valid() {
			continue
		}
		conf := clamp01(r.Confidence)
		p := coordinates[r.Label]
		valSum += p.valence * conf
		aroSum += p.arousal * conf
		weight += conf
		if conf > topConf {
			topConf = conf
			dominant = r.Label
		}
	}

	if topConf < 0 {
		return Unknown()
	}

	out := FusedState{Dominant: dominant}
	if weight > 0 {
		out.Valence = valSum / weight
		out.Arousal = aroSum / weight
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
