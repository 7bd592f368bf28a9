// Package app wires configuration into a runnable service.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/mira/internal/auth"
	"github.com/antoniostano/mira/internal/classify"
	"github.com/antoniostano/mira/internal/config"
	"github.com/antoniostano/mira/internal/emotion"
	"github.com/antoniostano/mira/internal/httpapi"
	"github.com/antoniostano/mira/internal/memory"
	"github.com/antoniostano/mira/internal/observability"
	"github.com/antoniostano/mira/internal/responder"
	"github.com/antoniostano/mira/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external
	// resources (DB pool, live sessions).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	transcripts, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	gen, err := responder.New(responder.Config{
		Mode:    cfg.ResponderMode,
		APIKey:  cfg.ResponderAPIKey,
		BaseURL: cfg.ResponderBaseURL,
		Model:   cfg.ResponderModel,
	})
	if err != nil {
		_ = transcripts.Close()
		return nil, fmt.Errorf("responder init failed: %w", err)
	}

	var verifier auth.Verifier
	if strings.TrimSpace(cfg.AuthJWTSecret) != "" {
		verifier, err = auth.NewJWTVerifier(cfg.AuthJWTSecret)
		if err != nil {
			_ = transcripts.Close()
			return nil, fmt.Errorf("auth init failed: %w", err)
		}
	}

	collab := session.Collaborators{
		Responder:   gen,
		Verifier:    verifier,
		Transcripts: transcripts,
		Metrics:     metrics,
	}
	if cfg.FacialClassifierURL != "" {
		collab.Facial = classify.NewHTTPClassifier(emotion.ModalityFacial, cfg.FacialClassifierURL, cfg.ClassifierTimeout)
	} else {
		log.Printf("facial classifier: disabled (no endpoint configured)")
	}
	if cfg.VoiceClassifierURL != "" {
		collab.Voice = classify.NewHTTPClassifier(emotion.ModalityVoice, cfg.VoiceClassifierURL, cfg.ClassifierTimeout)
	} else {
		log.Printf("voice classifier: disabled (no endpoint configured)")
	}
	if cfg.TextClassifierURL != "" {
		collab.Text = classify.NewHTTPClassifier(emotion.ModalityText, cfg.TextClassifierURL, cfg.ClassifierTimeout)
	} else {
		collab.Text = classify.NewLexiconClassifier()
		log.Printf("text classifier: built-in lexicon")
	}

	registry := session.NewRegistry(session.Settings{
		Staleness:          cfg.FusionStaleness,
		ClassifierTimeout:  cfg.ClassifierTimeout,
		ResponderTimeout:   cfg.ResponderTimeout,
		IdleTimeout:        cfg.SessionIdleTimeout,
		HistoryLimit:       cfg.SessionHistoryLimit,
		PendingResponseCap: cfg.PendingResponseCap,
		AudioMaxBytes:      cfg.AudioMaxBytes,
		AudioMinBytes:      cfg.AudioMinBytes,
		AudioSampleRate:    cfg.AudioSampleRate,
		AuthRequired:       cfg.AuthMode == "required",
	}, collab)

	api := httpapi.New(cfg, registry, metrics)

	cleanup := func() error {
		registry.CloseAll()
		return transcripts.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
