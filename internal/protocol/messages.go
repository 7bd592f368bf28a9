package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound.
	TypeAuthenticate       MessageType = "authenticate"
	TypeSetDocumentContext MessageType = "set_document_context"
	TypeVideoFrame         MessageType = "video_frame"
	TypeAudioChunk         MessageType = "audio_chunk"
	TypeAudioComplete      MessageType = "audio_complete"
	TypeTextMessage        MessageType = "text_message"
	TypePing               MessageType = "ping"

	// Outbound.
	TypeFacialEmotion  MessageType = "facial_emotion"
	TypeVoiceEmotion   MessageType = "voice_emotion"
	TypeResponse       MessageType = "response"
	TypeContextUpdated MessageType = "context_updated"
	TypeAuthResult     MessageType = "auth_result"
	TypeWarning        MessageType = "warning"
	TypeError          MessageType = "error"
	TypePong           MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Authenticate carries an opaque credential for the identity store.
type Authenticate struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// SetDocumentContext replaces the session's extracted document
// metadata. DocumentInfo is the free-form key/value output of the
// document extractor.
type SetDocumentContext struct {
	Type         MessageType    `json:"type"`
	DocumentInfo map[string]any `json:"document_info"`
}

// VideoFrame carries one base64-encoded camera frame. A data-URL
// prefix ("data:image/jpeg;base64,...") is tolerated.
type VideoFrame struct {
	Type  MessageType `json:"type"`
	Frame string      `json:"frame"`
}

// AudioChunk carries one base64-encoded slice of the utterance in
// progress.
type AudioChunk struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

// AudioComplete terminates the chunk stream. It may carry a final
// trailing slice of audio.
type AudioComplete struct {
	Type     MessageType `json:"type"`
	Audio    string      `json:"audio,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	Size     int         `json:"size,omitempty"`
}

// TextMessage carries one user chat message.
type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

// FacialEmotion is the standalone per-frame classification event,
// emitted independently of any chat turn.
type FacialEmotion struct {
	Type       MessageType `json:"type"`
	Status     string      `json:"status"`
	Emotion    string      `json:"emotion,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// VoiceEmotion is the standalone per-utterance classification event.
type VoiceEmotion struct {
	Type       MessageType `json:"type"`
	Status     string      `json:"status"`
	Emotion    string      `json:"emotion,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// EmotionalState is the fused snapshot attached to a response.
type EmotionalState struct {
	DominantEmotion    string  `json:"dominant_emotion"`
	Valence            float64 `json:"valence"`
	Arousal            float64 `json:"arousal"`
	InsufficientSignal bool    `json:"insufficient_signal,omitempty"`
}

// ModalityReading reports the per-modality result that fed a turn.
type ModalityReading struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Analysis is the multimodal breakdown carried by a Response.
type Analysis struct {
	Text           string           `json:"text,omitempty"`
	FacialEmotion  *ModalityReading `json:"facial_emotion,omitempty"`
	VoiceEmotion   *ModalityReading `json:"voice_emotion,omitempty"`
	TextEmotion    *ModalityReading `json:"text_emotion,omitempty"`
	EmotionalState EmotionalState   `json:"emotional_state"`
}

// Response carries the generated reply for one chat turn together with
// the fused snapshot used to produce it.
type Response struct {
	Type               MessageType `json:"type"`
	TurnID             string      `json:"turn_id"`
	Text               string      `json:"response"`
	Analysis           Analysis    `json:"analysis"`
	SuggestedFollowups []string    `json:"suggested_followups,omitempty"`
}

type ContextUpdated struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

type AuthResult struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Subject string      `json:"subject,omitempty"`
}

type Warning struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes one inbound frame into its typed form.
// Unknown types and structurally invalid payloads return an error; a
// bad payload never puts the connection itself at fault.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAuthenticate:
		var msg Authenticate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, errors.New("invalid authenticate: missing token")
		}
		return msg, nil
	case TypeSetDocumentContext:
		var msg SetDocumentContext
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeVideoFrame:
		var msg VideoFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Frame == "" {
			return nil, errors.New("invalid video_frame: missing frame")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio_chunk: missing audio")
		}
		return msg, nil
	case TypeAudioComplete:
		var msg AudioComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid text_message: missing text")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// DecodeMedia decodes a base64 media payload, tolerating the data-URL
// form browsers produce from canvas captures and MediaRecorder.
func DecodeMedia(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	out, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
}
