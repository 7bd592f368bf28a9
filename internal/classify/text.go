package classify

import (
	"context"
	"strings"
	"time"

	"github.com/antoniostano/mira/internal/emotion"
)

// LexiconClassifier scores chat text against per-emotion keyword
// buckets. It is the built-in fallback when no external text sentiment
// service is configured: cheap, deterministic, and good enough to give
// fusion a third vote.
type LexiconClassifier struct{}

func NewLexiconClassifier() *LexiconClassifier { return &LexiconClassifier{} }

func (c *LexiconClassifier) Modality() emotion.Modality { return emotion.ModalityText }

var keywordBuckets = map[emotion.Label][]string{
	emotion.Happiness: {
		"happy", "glad", "great", "wonderful", "excited", "love", "joy",
		"amazing", "awesome", "better", "relieved", "grateful", "thank",
	},
	emotion.Sadness: {
		"sad", "down", "depressed", "hopeless", "lonely", "cry", "crying",
		"miserable", "empty", "worthless", "tired of", "grief", "lost",
	},
	emotion.Anger: {
		"angry", "furious", "mad", "annoyed", "frustrated", "hate",
		"fed up", "irritated", "rage", "unfair", "sick of",
	},
	emotion.Fear: {
		"afraid", "scared", "anxious", "anxiety", "worried", "panic",
		"nervous", "terrified", "dread", "on edge", "overwhelmed",
	},
	emotion.Surprise: {
		"surprised", "shocked", "can't believe", "cannot believe",
		"unexpected", "wow", "suddenly", "out of nowhere",
	},
}

const (
	keywordScore     = 3
	exclamationBoost = 1
	neutralBaseline  = 0.3
)

// Classify never fails: text with no emotional keywords is a
// low-confidence neutral reading rather than an error.
func (c *LexiconClassifier) Classify(_ context.Context, in Input) (emotion.Result, error) {
	normalized := strings.ToLower(strings.TrimSpace(in.Text))
	if normalized == "" {
		return emotion.Result{}, ErrEmptyInput
	}

	scores := make(map[emotion.Label]int, len(keywordBuckets))
	for label, words := range keywordBuckets {
		for _, w := range words {
			scores[label] += keywordScore * strings.Count(normalized, w)
		}
	}
	scores[emotion.Surprise] += exclamationBoost * strings.Count(normalized, "!")

	best := emotion.Neutral
	bestScore := 0
	// Fixed label order keeps the result deterministic on score ties.
	for _, label := range []emotion.Label{emotion.Happiness, emotion.Sadness, emotion.Anger, emotion.Fear, emotion.Surprise} {
		if s := scores[label]; s > bestScore {
			best = label
			bestScore = s
		}
	}

	confidence := neutralBaseline
	if bestScore > 0 {
		confidence = 0.5 + float64(bestScore)*0.05
		if confidence > 0.9 {
			confidence = 0.9
		}
	}

	return emotion.Result{
		Modality:   emotion.ModalityText,
		Label:      best,
		Confidence: confidence,
		At:         time.Now().UTC(),
	}, nil
}
