package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestParseClientMessageTextMessage(t *testing.T) {
	raw := []byte(`{"type":"text_message","text":"I had a rough day"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	text, ok := msg.(TextMessage)
	if !ok {
		t.Fatalf("message type = %T, want TextMessage", msg)
	}
	if text.Text != "I had a rough day" {
		t.Fatalf("unexpected text message: %+v", text)
	}
}

func TestParseClientMessageVideoFrame(t *testing.T) {
	raw := []byte(`{"type":"video_frame","frame":"AQID"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(VideoFrame); !ok {
		t.Fatalf("message type = %T, want VideoFrame", msg)
	}
}

func TestParseClientMessageAudioCompleteWithoutPayload(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio_complete"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	complete, ok := msg.(AudioComplete)
	if !ok {
		t.Fatalf("message type = %T, want AudioComplete", msg)
	}
	if complete.Audio != "" {
		t.Fatalf("Audio = %q, want empty", complete.Audio)
	}
}

func TestParseClientMessageDocumentContext(t *testing.T) {
	raw := []byte(`{"type":"set_document_context","document_info":{"diagnosis":"anxiety","medications":["sertraline"]}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	doc, ok := msg.(SetDocumentContext)
	if !ok {
		t.Fatalf("message type = %T, want SetDocumentContext", msg)
	}
	if doc.DocumentInfo["diagnosis"] != "anxiety" {
		t.Fatalf("unexpected document info: %+v", doc.DocumentInfo)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"text_message","text":"  "}`)); err == nil {
		t.Fatalf("expected validation error for blank text")
	}
}

func TestParseClientMessageRejectsMissingToken(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"authenticate"}`)); err == nil {
		t.Fatalf("expected validation error for missing token")
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestDecodeMediaPlainBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	out, err := DecodeMedia(payload)
	if err != nil {
		t.Fatalf("DecodeMedia() error = %v", err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("DecodeMedia() = %v, want [1 2 3]", out)
	}
}

func TestDecodeMediaDataURL(t *testing.T) {
	payload := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpg"))
	out, err := DecodeMedia(payload)
	if err != nil {
		t.Fatalf("DecodeMedia() error = %v", err)
	}
	if string(out) != "jpg" {
		t.Fatalf("DecodeMedia() = %q, want jpg", out)
	}
}

func TestDecodeMediaRejectsGarbage(t *testing.T) {
	if _, err := DecodeMedia("!!not-base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func BenchmarkParseClientMessageTextMessage(b *testing.B) {
	raw := []byte(`{"type":"text_message","text":"how are you feeling today"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(TextMessage); !ok {
			b.Fatalf("message type = %T, want TextMessage", msg)
		}
	}
}
