package session

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/mira/internal/auth"
	"github.com/antoniostano/mira/internal/classify"
	"github.com/antoniostano/mira/internal/emotion"
	"github.com/antoniostano/mira/internal/protocol"
	"github.com/antoniostano/mira/internal/responder"
)

func newTestSession(t *testing.T, settings Settings, collab Collaborators) (*Session, chan any, uint64) {
	t.Helper()
	s := New("sess-test", settings, collab)
	s.Start()
	t.Cleanup(s.Close)
	out := make(chan any, 64)
	token := s.Attach(out)
	return s, out, token
}

// waitFor reads events until one of type T arrives.
func waitFor[T any](t *testing.T, out <-chan any) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-out:
			if v, ok := evt.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func expectNoResponse(t *testing.T, out <-chan any, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case evt := <-out:
			if r, ok := evt.(protocol.Response); ok {
				t.Fatalf("unexpected extra response: %+v", r)
			}
		case <-deadline:
			return
		}
	}
}

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func deliver(t *testing.T, s *Session, msg any) {
	t.Helper()
	if err := s.Deliver(msg); err != nil {
		t.Fatalf("Deliver(%T) error = %v", msg, err)
	}
}

func TestPingPong(t *testing.T) {
	s, out, _ := newTestSession(t, Settings{}, Collaborators{})
	deliver(t, s, protocol.Ping{Type: protocol.TypePing})
	waitFor[protocol.Pong](t, out)
}

func TestSetDocumentContextActivates(t *testing.T) {
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Responder: gen})

	if got := s.State(); got != StateAwaitingContext {
		t.Fatalf("State() = %q, want %q", got, StateAwaitingContext)
	}
	deliver(t, s, protocol.SetDocumentContext{
		Type:         protocol.TypeSetDocumentContext,
		DocumentInfo: map[string]any{"title": "intake notes"},
	})
	evt := waitFor[protocol.ContextUpdated](t, out)
	if evt.Status != "success" {
		t.Fatalf("Status = %q, want success", evt.Status)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("State() = %q, want %q", got, StateActive)
	}

	// The stored context rides along on the next turn.
	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "hello"})
	waitFor[protocol.Response](t, out)
	if got := gen.LastRequest().DocumentContext["title"]; got != "intake notes" {
		t.Fatalf("DocumentContext[title] = %v, want intake notes", got)
	}
}

func TestTextTurnProducesExactlyOneResponse(t *testing.T) {
	text := classify.NewMockClassifier(emotion.ModalityText, emotion.Happiness, 0.9)
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Text: text, Responder: gen})

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "great day"})
	resp := waitFor[protocol.Response](t, out)

	if resp.TurnID == "" {
		t.Fatalf("response has no turn id")
	}
	if !strings.Contains(resp.Text, "great day") {
		t.Fatalf("Text = %q, want echo of the message", resp.Text)
	}
	if resp.Analysis.TextEmotion == nil || resp.Analysis.TextEmotion.Emotion != "happiness" {
		t.Fatalf("TextEmotion = %+v, want happiness", resp.Analysis.TextEmotion)
	}
	if resp.Analysis.EmotionalState.DominantEmotion != "happiness" {
		t.Fatalf("DominantEmotion = %q, want happiness", resp.Analysis.EmotionalState.DominantEmotion)
	}
	if len(resp.SuggestedFollowups) == 0 {
		t.Fatalf("expected followup suggestions for a confident emotional read")
	}
	expectNoResponse(t, out, 150*time.Millisecond)
}

func TestResponderFailureFallsBack(t *testing.T) {
	gen := responder.NewMockGenerator()
	gen.Fail(errors.New("backend down"))
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Responder: gen})

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "hello?"})
	resp := waitFor[protocol.Response](t, out)
	if resp.Text != responder.FallbackText {
		t.Fatalf("Text = %q, want fallback", resp.Text)
	}
	expectNoResponse(t, out, 150*time.Millisecond)
}

func TestTurnWaitsForInFlightVoice(t *testing.T) {
	voice := classify.NewMockClassifier(emotion.ModalityVoice, emotion.Sadness, 0.8)
	voice.SetDelay(50 * time.Millisecond)
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Voice: voice, Responder: gen})

	deliver(t, s, protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: b64(64)})
	deliver(t, s, protocol.AudioComplete{Type: protocol.TypeAudioComplete})
	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "I don't know"})

	evt := waitFor[protocol.VoiceEmotion](t, out)
	if evt.Status != "success" || evt.Emotion != "sadness" {
		t.Fatalf("voice event = %+v, want sadness success", evt)
	}
	resp := waitFor[protocol.Response](t, out)
	if resp.Analysis.VoiceEmotion == nil || resp.Analysis.VoiceEmotion.Emotion != "sadness" {
		t.Fatalf("VoiceEmotion = %+v, want sadness", resp.Analysis.VoiceEmotion)
	}
	if resp.Analysis.EmotionalState.DominantEmotion != "sadness" {
		t.Fatalf("DominantEmotion = %q, want sadness", resp.Analysis.EmotionalState.DominantEmotion)
	}
}

func TestTurnProceedsWhenClassifierTooSlow(t *testing.T) {
	text := classify.NewMockClassifier(emotion.ModalityText, emotion.Anger, 0.9)
	text.SetDelay(500 * time.Millisecond)
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{ClassifierTimeout: 50 * time.Millisecond},
		Collaborators{Text: text, Responder: gen})

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "still there?"})
	resp := waitFor[protocol.Response](t, out)
	if !resp.Analysis.EmotionalState.InsufficientSignal {
		t.Fatalf("expected insufficient signal when the only classifier missed the window")
	}
	expectNoResponse(t, out, 150*time.Millisecond)
}

func TestFrameLastWriteWins(t *testing.T) {
	facial := classify.NewMockClassifier(emotion.ModalityFacial, emotion.Surprise, 0.7)
	facial.SetDelay(100 * time.Millisecond)
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Facial: facial})

	for range 3 {
		deliver(t, s, protocol.VideoFrame{Type: protocol.TypeVideoFrame, Frame: b64(128)})
	}

	waitFor[protocol.FacialEmotion](t, out)
	waitFor[protocol.FacialEmotion](t, out)
	if got := facial.Calls(); got != 2 {
		t.Fatalf("classifier calls = %d, want 2 (middle frame dropped)", got)
	}
}

func TestEmptyUtteranceWarns(t *testing.T) {
	voice := classify.NewMockClassifier(emotion.ModalityVoice, emotion.Neutral, 0.5)
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Voice: voice})

	deliver(t, s, protocol.AudioComplete{Type: protocol.TypeAudioComplete})
	waitFor[protocol.Warning](t, out)
	if voice.Calls() != 0 {
		t.Fatalf("classifier called for an empty utterance")
	}
}

func TestShortUtteranceWarns(t *testing.T) {
	voice := classify.NewMockClassifier(emotion.ModalityVoice, emotion.Neutral, 0.5)
	s, out, _ := newTestSession(t, Settings{AudioMinBytes: 100}, Collaborators{Voice: voice})

	deliver(t, s, protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: b64(10)})
	deliver(t, s, protocol.AudioComplete{Type: protocol.TypeAudioComplete})
	evt := waitFor[protocol.Warning](t, out)
	if !strings.Contains(evt.Message, "too short") {
		t.Fatalf("warning = %q, want too-short notice", evt.Message)
	}
	if voice.Calls() != 0 {
		t.Fatalf("classifier called for a sub-threshold utterance")
	}
}

func TestOversizedUtteranceDiscarded(t *testing.T) {
	s, out, _ := newTestSession(t, Settings{AudioMaxBytes: 16}, Collaborators{})

	deliver(t, s, protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: b64(32)})
	evt := waitFor[protocol.Warning](t, out)
	if !strings.Contains(evt.Message, "size cap") {
		t.Fatalf("warning = %q, want size cap notice", evt.Message)
	}
}

func TestInvalidFrameEncodingIsNonFatal(t *testing.T) {
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Responder: gen})

	deliver(t, s, protocol.VideoFrame{Type: protocol.TypeVideoFrame, Frame: "!!not-base64!!"})
	waitFor[protocol.ErrorEvent](t, out)

	// The session keeps working.
	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "still here"})
	waitFor[protocol.Response](t, out)
}

func TestAuthRequiredGatesMessages(t *testing.T) {
	verifier := auth.NewStaticVerifier()
	verifier.Allow("tok-good", auth.Identity{Subject: "user-7"})
	gen := responder.NewMockGenerator()
	s, out, _ := newTestSession(t, Settings{AuthRequired: true},
		Collaborators{Verifier: verifier, Responder: gen})

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "let me in"})
	waitFor[protocol.ErrorEvent](t, out)

	// A bad credential is an error event and leaves state alone.
	deliver(t, s, protocol.Authenticate{Type: protocol.TypeAuthenticate, Token: "tok-bad"})
	if evt := waitFor[protocol.ErrorEvent](t, out); !strings.Contains(evt.Message, "authentication failed") {
		t.Fatalf("error = %q, want authentication failure", evt.Message)
	}
	if got := s.State(); got != StateAwaitingContext {
		t.Fatalf("State() = %q after failed auth, want %q", got, StateAwaitingContext)
	}

	deliver(t, s, protocol.Authenticate{Type: protocol.TypeAuthenticate, Token: "tok-good"})
	evt := waitFor[protocol.AuthResult](t, out)
	if evt.Status != "ok" || evt.Subject != "user-7" {
		t.Fatalf("auth result = %+v, want ok for user-7", evt)
	}

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "hello"})
	waitFor[protocol.Response](t, out)
}

func TestAuthenticateWithoutVerifier(t *testing.T) {
	s, out, _ := newTestSession(t, Settings{}, Collaborators{})

	deliver(t, s, protocol.Authenticate{Type: protocol.TypeAuthenticate, Token: "anything"})
	evt := waitFor[protocol.ErrorEvent](t, out)
	if !strings.Contains(evt.Message, "authentication") {
		t.Fatalf("error = %q, want authentication notice", evt.Message)
	}
}

func TestAudioSizeMismatchWarns(t *testing.T) {
	voice := classify.NewMockClassifier(emotion.ModalityVoice, emotion.Neutral, 0.5)
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Voice: voice})

	deliver(t, s, protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: b64(64)})
	deliver(t, s, protocol.AudioComplete{Type: protocol.TypeAudioComplete, Size: 10})

	evt := waitFor[protocol.Warning](t, out)
	if !strings.Contains(evt.Message, "declared") {
		t.Fatalf("warning = %q, want size mismatch notice", evt.Message)
	}
	// The mismatch is non-fatal; analysis still runs.
	waitFor[protocol.VoiceEmotion](t, out)
}

func TestQueuedTextsProcessInOrder(t *testing.T) {
	gen := responder.NewMockGenerator()
	gen.SetDelay(30 * time.Millisecond)
	s, out, _ := newTestSession(t, Settings{}, Collaborators{Responder: gen})

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "first thing"})
	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "second thing"})

	r1 := waitFor[protocol.Response](t, out)
	r2 := waitFor[protocol.Response](t, out)
	if !strings.Contains(r1.Text, "first thing") || !strings.Contains(r2.Text, "second thing") {
		t.Fatalf("responses out of order: %q then %q", r1.Text, r2.Text)
	}
	if r1.TurnID == r2.TurnID {
		t.Fatalf("turns share an id: %q", r1.TurnID)
	}

	// The second turn sees the first exchange as history.
	history := gen.LastRequest().History
	var sawUser, sawAssistant bool
	for _, line := range history {
		if strings.HasPrefix(line, "user: first thing") {
			sawUser = true
		}
		if strings.HasPrefix(line, "assistant: ") {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("history missing prior exchange: %v", history)
	}
}

func TestResponsesReplayOnReattach(t *testing.T) {
	gen := responder.NewMockGenerator()
	s, _, token := newTestSession(t, Settings{}, Collaborators{Responder: gen})
	s.Detach(token)

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "anyone home"})

	// Give the turn time to finish while detached.
	waitUntil(t, func() bool { return gen.Calls() == 1 })
	time.Sleep(20 * time.Millisecond)

	out := make(chan any, 64)
	s.Attach(out)
	resp := waitFor[protocol.Response](t, out)
	if !strings.Contains(resp.Text, "anyone home") {
		t.Fatalf("replayed response = %q", resp.Text)
	}
}

func TestResponseDeliveredAfterBackpressure(t *testing.T) {
	gen := responder.NewMockGenerator()
	s := New("sess-bp", Settings{}, Collaborators{Responder: gen})
	s.Start()
	t.Cleanup(s.Close)

	// A one-slot channel already holding an event models a transport
	// whose writer has fallen behind.
	out := make(chan any, 1)
	out <- protocol.Pong{Type: protocol.TypePong}
	s.Attach(out)

	deliver(t, s, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "are you slow"})
	waitUntil(t, func() bool { return gen.Calls() == 1 })

	// Once the consumer drains, the parked response arrives on the
	// same transport without a reattach.
	resp := waitFor[protocol.Response](t, out)
	if !strings.Contains(resp.Text, "are you slow") {
		t.Fatalf("response = %q", resp.Text)
	}
}

func TestStaleDetachTokenIgnored(t *testing.T) {
	s, _, token1 := newTestSession(t, Settings{}, Collaborators{})
	out2 := make(chan any, 8)
	s.Attach(out2)

	s.Detach(token1)
	if !s.Attached() {
		t.Fatalf("stale detach unbound the newer transport")
	}
}

func TestDeliverAfterClose(t *testing.T) {
	s := New("sess-closed", Settings{}, Collaborators{})
	s.Start()
	s.Close()
	<-s.stopped
	if err := s.Deliver(protocol.Ping{Type: protocol.TypePing}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Deliver() error = %v, want ErrSessionClosed", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
