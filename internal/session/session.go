// Package session implements the per-connection conversation engine:
// a state machine that ingests multimodal signals, keeps the fused
// emotional state current, and produces exactly one response per chat
// turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/mira/internal/audio"
	"github.com/antoniostano/mira/internal/auth"
	"github.com/antoniostano/mira/internal/buffer"
	"github.com/antoniostano/mira/internal/classify"
	"github.com/antoniostano/mira/internal/emotion"
	"github.com/antoniostano/mira/internal/memory"
	"github.com/antoniostano/mira/internal/observability"
	"github.com/antoniostano/mira/internal/protocol"
	"github.com/antoniostano/mira/internal/responder"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateAwaitingContext State = "awaiting_context"
	StateActive          State = "active"
	StateClosed          State = "closed"
)

var ErrSessionClosed = errors.New("session is closed")

const (
	inboundQueueSize    = 256
	transcriptSaveLimit = 2 * time.Second
)

// Settings are the per-session knobs, fixed at creation.
type Settings struct {
	Staleness         time.Duration
	ClassifierTimeout time.Duration
	ResponderTimeout  time.Duration
	IdleTimeout       time.Duration

	HistoryLimit       int
	PendingResponseCap int

	AudioMaxBytes   int
	AudioMinBytes   int
	AudioSampleRate int

	AuthRequired bool
}

func (s Settings) withDefaults() Settings {
	if s.Staleness <= 0 {
		s.Staleness = 30 * time.Second
	}
	if s.ClassifierTimeout <= 0 {
		s.ClassifierTimeout = 5 * time.Second
	}
	if s.ResponderTimeout <= 0 {
		s.ResponderTimeout = 20 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 2 * time.Minute
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = 20
	}
	if s.PendingResponseCap <= 0 {
		s.PendingResponseCap = 16
	}
	if s.AudioMaxBytes <= 0 {
		s.AudioMaxBytes = 10 << 20
	}
	if s.AudioSampleRate <= 0 {
		s.AudioSampleRate = 16000
	}
	return s
}

// Collaborators are the external capabilities a session drives. Any of
// them may be nil; the session degrades instead of failing.
type Collaborators struct {
	Facial      classify.Classifier
	Voice       classify.Classifier
	Text        classify.Classifier
	Responder   responder.Generator
	Verifier    auth.Verifier
	Transcripts memory.Store
	Metrics     *observability.Metrics
}

// Internal messages posted back into the inbound queue by collaborator
// goroutines. All session state is touched only by the run loop, so
// outcomes travel the same single-consumer path as client messages.
type (
	classifierOutcome struct {
		modality emotion.Modality
		result   emotion.Result
		err      error
	}
	authOutcome struct {
		identity auth.Identity
		err      error
	}
	turnTimeout struct{ id string }
	turnDone    struct {
		id   string
		text string
		err  error
	}
)

type historyEntry struct {
	role    string
	content string
}

// turnState tracks one in-flight chat turn from text_message to the
// single response event that closes it.
type turnState struct {
	id        string
	text      string
	startedAt time.Time

	// awaiting holds the modalities whose in-flight classification the
	// turn blocks on before fusing.
	awaiting map[emotion.Modality]bool
	fired    bool

	fused    emotion.FusedState
	readings map[emotion.Modality]emotion.Result
}

// Session is a single conversation. One run-loop goroutine owns all
// mutable conversation state; the transport side (attach, detach,
// pending replay) is guarded separately so a reconnect never touches
// the loop.
type Session struct {
	ID string

	settings Settings
	collab   Collaborators

	inbound   chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	tmu          sync.Mutex
	out          chan<- any
	attachSeq    uint64
	lastActivity time.Time
	pending      []protocol.Response
	flushing     bool
	state        State

	// Run-loop-owned fields.
	authenticated bool
	identity      auth.Identity
	docContext    map[string]any
	history       []historyEntry
	latest        map[emotion.Modality]emotion.Result
	frames        buffer.FrameSlot
	audioAcc      *buffer.AudioAccumulator
	audioMime     string
	facialBusy    bool
	voiceBusy     int
	turn          *turnState
	queue         []string
}

// New builds a session. Call Start before delivering messages.
func New(id string, settings Settings, collab Collaborators) *Session {
	settings = settings.withDefaults()
	return &Session{
		ID:           id,
		settings:     settings,
		collab:       collab,
		inbound:      make(chan any, inboundQueueSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		state:        StateAwaitingContext,
		latest:       make(map[emotion.Modality]emotion.Result),
		audioAcc:     buffer.NewAudioAccumulator(settings.AudioMaxBytes),
		lastActivity: time.Now(),
	}
}

// Start launches the run loop.
func (s *Session) Start() { go s.run() }

// Close stops the session. Idempotent; pending collaborator goroutines
// unblock on the done channel.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the session stops accepting work.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.tmu.Lock()
	s.state = st
	s.tmu.Unlock()
}

// Deliver hands one parsed client message to the run loop. It blocks
// when the queue is full and fails once the session is closed.
func (s *Session) Deliver(msg any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.touch()
	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post is Deliver for internal outcomes; a closed session just drops
// them.
func (s *Session) post(msg any) {
	select {
	case s.inbound <- msg:
	case <-s.done:
	}
}

func (s *Session) touch() {
	s.tmu.Lock()
	s.lastActivity = time.Now()
	s.tmu.Unlock()
}

// IdleFor reports how long the session has gone without client
// activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return now.Sub(s.lastActivity)
}

// Attached reports whether a transport is currently bound.
func (s *Session) Attached() bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.out != nil
}

// Attach binds an outbound event channel, replacing any previous one,
// and replays responses that completed while the session was detached.
// The returned token must be passed to Detach so a stale disconnect
// cannot unbind a newer transport.
func (s *Session) Attach(out chan<- any) uint64 {
	s.tmu.Lock()
	s.attachSeq++
	token := s.attachSeq
	s.out = out
	replay := s.pending
	s.pending = nil
	s.lastActivity = time.Now()
	s.tmu.Unlock()

	for _, resp := range replay {
		select {
		case out <- resp:
		case <-s.done:
			return token
		}
	}
	return token
}

// Detach unbinds the transport identified by token. A token from a
// superseded attach is ignored.
func (s *Session) Detach(token uint64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if token != s.attachSeq {
		return
	}
	s.out = nil
	s.lastActivity = time.Now()
}

// emit sends one event to the bound transport. Responses that cannot
// be delivered right away are parked: a detached session replays them
// on the next attach, a saturated transport gets them retried until
// its queue drains. Interim events are droppable in both cases so the
// run loop never stalls. While responses are parked no new response
// may bypass them.
func (s *Session) emit(evt any) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	if s.out != nil && len(s.pending) == 0 {
		select {
		case s.out <- evt:
			return
		default:
		}
	}

	resp, ok := evt.(protocol.Response)
	if !ok {
		return
	}
	if len(s.pending) >= s.settings.PendingResponseCap {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, resp)
	if s.out != nil {
		s.scheduleFlushLocked()
	}
}

const pendingFlushInterval = 50 * time.Millisecond

// scheduleFlushLocked starts the retry loop that hands parked
// responses to a still-attached transport once its queue drains. The
// loop stops when the backlog is clear or the transport detaches (an
// attach replays the backlog itself). Caller holds tmu.
func (s *Session) scheduleFlushLocked() {
	if s.flushing {
		return
	}
	s.flushing = true
	go func() {
		ticker := time.NewTicker(pendingFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				s.tmu.Lock()
				s.flushing = false
				s.tmu.Unlock()
				return
			case <-ticker.C:
				s.tmu.Lock()
				for s.out != nil && len(s.pending) > 0 {
					select {
					case s.out <- s.pending[0]:
						s.pending = s.pending[1:]
						continue
					default:
					}
					break
				}
				idle := s.out == nil || len(s.pending) == 0
				if idle {
					s.flushing = false
				}
				s.tmu.Unlock()
				if idle {
					return
				}
			}
		}
	}()
}

func (s *Session) emitError(msg string) {
	s.emit(protocol.ErrorEvent{Type: protocol.TypeError, Message: msg})
}

func (s *Session) emitWarning(msg string) {
	s.emit(protocol.Warning{Type: protocol.TypeWarning, Message: msg})
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.setState(StateClosed)
			return
		case msg := <-s.inbound:
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg any) {
	switch m := msg.(type) {
	case protocol.Ping:
		s.emit(protocol.Pong{Type: protocol.TypePong})
	case protocol.Authenticate:
		s.handleAuthenticate(m)
	case protocol.SetDocumentContext:
		s.handleSetContext(m)
	case protocol.VideoFrame:
		s.handleVideoFrame(m)
	case protocol.AudioChunk:
		s.handleAudioChunk(m)
	case protocol.AudioComplete:
		s.handleAudioComplete(m)
	case protocol.TextMessage:
		s.handleTextMessage(m)
	case classifierOutcome:
		s.handleClassifierOutcome(m)
	case authOutcome:
		s.handleAuthOutcome(m)
	case turnTimeout:
		s.handleTurnTimeout(m)
	case turnDone:
		s.handleTurnDone(m)
	default:
		s.emitError("unsupported message")
	}
}

// allow gates substantive messages when authentication is mandatory.
// Authenticate and ping always pass.
func (s *Session) allow() bool {
	if !s.settings.AuthRequired || s.authenticated {
		return true
	}
	s.emitError("authentication required")
	return false
}

func (s *Session) activate() {
	if s.State() == StateAwaitingContext {
		s.setState(StateActive)
		s.countEvent("activated")
	}
}

func (s *Session) handleAuthenticate(m protocol.Authenticate) {
	if s.collab.Verifier == nil {
		s.emitError("authentication is not available")
		log.Printf("session %s: authenticate received but no verifier is configured", s.ID)
		return
	}
	token := m.Token
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ClassifierTimeout)
		defer cancel()
		id, err := s.collab.Verifier.Verify(ctx, token)
		s.post(authOutcome{identity: id, err: err})
	}()
}

// handleAuthOutcome records a verified identity. Failure is an error
// event and leaves all session state untouched.
func (s *Session) handleAuthOutcome(m authOutcome) {
	if m.err != nil {
		log.Printf("session %s: authentication failed: %v", s.ID, m.err)
		s.countEvent("auth_failed")
		s.emitError("authentication failed")
		return
	}
	s.authenticated = true
	s.identity = m.identity
	s.countEvent("authenticated")
	s.emit(protocol.AuthResult{Type: protocol.TypeAuthResult, Status: "ok", Subject: m.identity.Subject})
}

func (s *Session) handleSetContext(m protocol.SetDocumentContext) {
	if !s.allow() {
		return
	}
	s.docContext = m.DocumentInfo
	s.activate()
	s.emit(protocol.ContextUpdated{Type: protocol.TypeContextUpdated, Status: "success"})
}

func (s *Session) handleVideoFrame(m protocol.VideoFrame) {
	if !s.allow() {
		return
	}
	s.activate()
	data, err := protocol.DecodeMedia(m.Frame)
	if err != nil {
		s.emitError("invalid video frame encoding")
		return
	}
	s.frames.Put(data)
	s.dispatchFacial()
}

// dispatchFacial starts one facial classification if a frame is
// waiting and none is in flight. At most one frame is ever queued, so
// a fast camera degrades to sampling instead of backlog.
func (s *Session) dispatchFacial() {
	if s.facialBusy || s.collab.Facial == nil {
		return
	}
	frame, ok := s.frames.Take()
	if !ok {
		return
	}
	s.facialBusy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ClassifierTimeout)
		defer cancel()
		res, err := s.collab.Facial.Classify(ctx, classify.Input{Image: frame})
		s.post(classifierOutcome{modality: emotion.ModalityFacial, result: res, err: err})
	}()
}

func (s *Session) handleAudioChunk(m protocol.AudioChunk) {
	if !s.allow() {
		return
	}
	s.activate()
	data, err := protocol.DecodeMedia(m.Audio)
	if err != nil {
		s.emitError("invalid audio encoding")
		return
	}
	if err := s.audioAcc.Append(data); errors.Is(err, buffer.ErrSegmentTooLarge) {
		s.emitWarning("audio discarded: utterance exceeded the size cap")
	}
}

func (s *Session) handleAudioComplete(m protocol.AudioComplete) {
	if !s.allow() {
		return
	}
	s.activate()
	if m.Audio != "" {
		data, err := protocol.DecodeMedia(m.Audio)
		if err != nil {
			s.emitError("invalid audio encoding")
			return
		}
		if err := s.audioAcc.Append(data); errors.Is(err, buffer.ErrSegmentTooLarge) {
			s.emitWarning("audio discarded: utterance exceeded the size cap")
			return
		}
	}

	pcm, err := s.audioAcc.Complete()
	if errors.Is(err, buffer.ErrSegmentEmpty) {
		s.emitWarning("audio_complete received with no audio")
		return
	}
	if len(pcm) < s.settings.AudioMinBytes {
		s.emitWarning("utterance too short to analyze")
		return
	}
	if m.Size > 0 && m.Size != len(pcm) {
		// Usually means chunks were lost in transit. Analysis still
		// proceeds on what arrived.
		s.emitWarning(fmt.Sprintf("utterance assembled %d bytes but client declared %d", len(pcm), m.Size))
	}
	if s.collab.Voice == nil {
		return
	}

	// Bare PCM gets a WAV container; anything already self-describing
	// passes through untouched.
	segment := pcm
	mime := m.MimeType
	if mime == "" || mime == "audio/pcm" || strings.HasPrefix(mime, "audio/l16") {
		segment = audio.EncodeWAVPCM16LE(pcm, s.settings.AudioSampleRate)
	}
	s.voiceBusy++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ClassifierTimeout)
		defer cancel()
		res, err := s.collab.Voice.Classify(ctx, classify.Input{Audio: segment})
		s.post(classifierOutcome{modality: emotion.ModalityVoice, result: res, err: err})
	}()
}

func (s *Session) handleTextMessage(m protocol.TextMessage) {
	if !s.allow() {
		return
	}
	s.activate()
	text := strings.TrimSpace(m.Text)
	if text == "" {
		s.emitError("empty text message")
		return
	}
	s.persistTurn("user", text)
	if s.turn != nil {
		s.queue = append(s.queue, text)
		return
	}
	s.startTurn(text)
}

// startTurn begins the pipeline for one chat turn. The turn waits for
// the text classification plus whatever facial or voice work was
// already in flight when the text arrived, bounded by the classifier
// timeout; then it fuses and asks the responder.
func (s *Session) startTurn(text string) {
	t := &turnState{
		id:        uuid.NewString(),
		text:      text,
		startedAt: time.Now(),
		awaiting:  make(map[emotion.Modality]bool),
	}
	s.turn = t
	s.appendHistory("user", text)

	if s.collab.Text != nil {
		t.awaiting[emotion.ModalityText] = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.ClassifierTimeout)
			defer cancel()
			res, err := s.collab.Text.Classify(ctx, classify.Input{Text: text})
			s.post(classifierOutcome{modality: emotion.ModalityText, result: res, err: err})
		}()
	}
	if s.facialBusy {
		t.awaiting[emotion.ModalityFacial] = true
	}
	if s.voiceBusy > 0 {
		t.awaiting[emotion.ModalityVoice] = true
	}
	if len(t.awaiting) == 0 {
		s.fireTurn()
		return
	}

	id := t.id
	go func() {
		timer := time.NewTimer(s.settings.ClassifierTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.post(turnTimeout{id: id})
		case <-s.done:
		}
	}()
}

func (s *Session) handleClassifierOutcome(o classifierOutcome) {
	switch o.modality {
	case emotion.ModalityFacial:
		s.facialBusy = false
	case emotion.ModalityVoice:
		if s.voiceBusy > 0 {
			s.voiceBusy--
		}
	}

	if o.err != nil {
		log.Printf("session %s: %s classifier failed: %v", s.ID, o.modality, o.err)
		s.countClassifierError(o.modality, o.err)
		switch o.modality {
		case emotion.ModalityFacial:
			s.emit(protocol.FacialEmotion{Type: protocol.TypeFacialEmotion, Status: "error"})
		case emotion.ModalityVoice:
			s.emit(protocol.VoiceEmotion{Type: protocol.TypeVoiceEmotion, Status: "error"})
		}
	} else {
		prev, seen := s.latest[o.modality]
		if !seen || !o.result.At.Before(prev.At) {
			s.latest[o.modality] = o.result
			s.countFusionUpdate()
		}
		switch o.modality {
		case emotion.ModalityFacial:
			s.emit(protocol.FacialEmotion{
				Type:       protocol.TypeFacialEmotion,
				Status:     "success",
				Emotion:    string(o.result.Label),
				Confidence: o.result.Confidence,
			})
		case emotion.ModalityVoice:
			s.emit(protocol.VoiceEmotion{
				Type:       protocol.TypeVoiceEmotion,
				Status:     "success",
				Emotion:    string(o.result.Label),
				Confidence: o.result.Confidence,
			})
		}
	}

	if o.modality == emotion.ModalityFacial {
		// A newer frame may have queued while this one was in flight.
		s.dispatchFacial()
	}
	s.turnProgress(o.modality)
}

// turnProgress clears one awaited modality. The first outcome of an
// awaited modality unblocks it whether it succeeded or not.
func (s *Session) turnProgress(m emotion.Modality) {
	t := s.turn
	if t == nil || t.fired || !t.awaiting[m] {
		return
	}
	delete(t.awaiting, m)
	if len(t.awaiting) == 0 {
		s.fireTurn()
	}
}

func (s *Session) handleTurnTimeout(m turnTimeout) {
	t := s.turn
	if t == nil || t.id != m.id || t.fired {
		return
	}
	log.Printf("session %s: turn %s proceeding without %d pending modalities", s.ID, t.id, len(t.awaiting))
	s.fireTurn()
}

// fireTurn fuses whatever is fresh and hands the turn to the
// responder. The run loop never blocks on generation; completion comes
// back as a turnDone message.
func (s *Session) fireTurn() {
	t := s.turn
	t.fired = true

	now := time.Now()
	t.fused = emotion.Fuse(s.latest, now, s.settings.Staleness)
	t.readings = make(map[emotion.Modality]emotion.Result, len(s.latest))
	for m, r := range s.latest {
		if r.Fresh(now, s.settings.Staleness) {
			t.readings[m] = r
		}
	}

	req := responder.Request{
		SessionID:       s.ID,
		TurnID:          t.id,
		Text:            t.text,
		Fused:           t.fused,
		History:         s.historyLines(1),
		DocumentContext: s.docContext,
	}
	gen := s.collab.Responder
	id := t.id
	go func() {
		if gen == nil {
			s.post(turnDone{id: id, err: errors.New("no responder configured")})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ResponderTimeout)
		defer cancel()
		text, err := gen.Generate(ctx, req)
		s.post(turnDone{id: id, text: text, err: err})
	}()
}

func (s *Session) handleTurnDone(m turnDone) {
	t := s.turn
	if t == nil || t.id != m.id {
		return
	}

	text := m.text
	if m.err != nil {
		log.Printf("session %s: responder failed on turn %s: %v", s.ID, t.id, m.err)
		s.countEvent("responder_fallback")
		text = responder.FallbackText
	}
	s.appendHistory("assistant", text)
	s.persistTurn("assistant", text)

	s.emit(protocol.Response{
		Type:               protocol.TypeResponse,
		TurnID:             t.id,
		Text:               text,
		Analysis:           buildAnalysis(t),
		SuggestedFollowups: suggestFollowups(t.fused),
	})
	if s.collab.Metrics != nil {
		s.collab.Metrics.ObserveTurnLatency(time.Since(t.startedAt))
	}

	s.turn = nil
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.startTurn(next)
	}
}

func buildAnalysis(t *turnState) protocol.Analysis {
	a := protocol.Analysis{
		EmotionalState: protocol.EmotionalState{
			DominantEmotion:    string(t.fused.Dominant),
			Valence:            t.fused.Valence,
			Arousal:            t.fused.Arousal,
			InsufficientSignal: t.fused.InsufficientSignal,
		},
	}
	if r, ok := t.readings[emotion.ModalityFacial]; ok {
		a.FacialEmotion = reading(r)
	}
	if r, ok := t.readings[emotion.ModalityVoice]; ok {
		a.VoiceEmotion = reading(r)
	}
	if r, ok := t.readings[emotion.ModalityText]; ok {
		a.TextEmotion = reading(r)
	}
	return a
}

func reading(r emotion.Result) *protocol.ModalityReading {
	return &protocol.ModalityReading{Emotion: string(r.Label), Confidence: r.Confidence}
}

func (s *Session) appendHistory(role, content string) {
	s.history = append(s.history, historyEntry{role: role, content: content})
	if max := s.settings.HistoryLimit * 2; len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}

// historyLines formats the exchange history for the responder, oldest
// first, skipping the trailing skipLast entries (the current user turn
// is carried separately in the request).
func (s *Session) historyLines(skipLast int) []string {
	n := len(s.history) - skipLast
	if n <= 0 {
		return nil
	}
	lines := make([]string, 0, n)
	for _, e := range s.history[:n] {
		lines = append(lines, e.role+": "+e.content)
	}
	return lines
}

// persistTurn writes one transcript record off the run loop. PII is
// stripped before the content leaves the session.
func (s *Session) persistTurn(role, content string) {
	store := s.collab.Transcripts
	if store == nil {
		return
	}
	redacted, changed := memory.RedactPII(content)
	rec := memory.TurnRecord{
		SessionID: s.ID,
		Subject:   s.identity.Subject,
		Role:      role,
		Content:   redacted,
		Redacted:  changed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transcriptSaveLimit)
		defer cancel()
		if err := store.SaveTurn(ctx, rec); err != nil {
			log.Printf("session %s: transcript save failed: %v", s.ID, err)
		}
	}()
}

func (s *Session) countEvent(event string) {
	if s.collab.Metrics != nil {
		s.collab.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Session) countFusionUpdate() {
	if s.collab.Metrics != nil {
		s.collab.Metrics.FusionUpdates.Inc()
	}
}

func (s *Session) countClassifierError(m emotion.Modality, err error) {
	if s.collab.Metrics == nil {
		return
	}
	code := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	s.collab.Metrics.ClassifierErrors.WithLabelValues(string(m), code).Inc()
}
