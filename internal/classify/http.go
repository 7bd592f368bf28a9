package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/mira/internal/emotion"
)

// maxInFlight caps concurrent requests per endpoint. Inference
// backends are typically GPU-bound and degrade badly under pile-up.
const maxInFlight = 4

// HTTPClassifier forwards classification requests to an external
// inference endpoint speaking a small JSON contract:
//
//	POST url  {"image": <b64>} | {"audio": <b64>, "mime_type": "audio/wav"} | {"text": "..."}
//	200       {"emotion": "<label>", "confidence": 0.87}
//
// Any non-2xx status, malformed body, or out-of-set label is a
// classifier failure.
type HTTPClassifier struct {
	modality emotion.Modality
	url      string
	client   *http.Client
	sem      *semaphore.Weighted
}

func NewHTTPClassifier(modality emotion.Modality, url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClassifier{
		modality: modality,
		url:      strings.TrimSpace(url),
		client:   &http.Client{Timeout: timeout},
		sem:      semaphore.NewWeighted(maxInFlight),
	}
}

func (c *HTTPClassifier) Modality() emotion.Modality { return c.modality }

type httpRequest struct {
	Image    string `json:"image,omitempty"`
	Audio    string `json:"audio,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
}

type httpResponse struct {
	Status     string  `json:"status"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, in Input) (emotion.Result, error) {
	body := httpRequest{}
	switch c.modality {
	case emotion.ModalityFacial:
		if len(in.Image) == 0 {
			return emotion.Result{}, ErrEmptyInput
		}
		body.Image = base64.StdEncoding.EncodeToString(in.Image)
	case emotion.ModalityVoice:
		if len(in.Audio) == 0 {
			return emotion.Result{}, ErrEmptyInput
		}
		body.Audio = base64.StdEncoding.EncodeToString(in.Audio)
		body.MimeType = "audio/wav"
	case emotion.ModalityText:
		if strings.TrimSpace(in.Text) == "" {
			return emotion.Result{}, ErrEmptyInput
		}
		body.Text = in.Text
	default:
		return emotion.Result{}, fmt.Errorf("unsupported modality %q", c.modality)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return emotion.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return emotion.Result{}, fmt.Errorf("%s classifier backlog: %w", c.modality, err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return emotion.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return emotion.Result{}, fmt.Errorf("%s classifier request: %w", c.modality, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return emotion.Result{}, fmt.Errorf("%s classifier status %d: %s", c.modality, res.StatusCode, string(snippet))
	}

	var out httpResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return emotion.Result{}, fmt.Errorf("decode %s classifier response: %w", c.modality, err)
	}

	label := emotion.Label(strings.ToLower(strings.TrimSpace(out.Emotion)))
	if !label.Valid() || out.Confidence < 0 || out.Confidence > 1 {
		return emotion.Result{}, fmt.Errorf("%w: emotion=%q confidence=%v", ErrInvalidOutput, out.Emotion, out.Confidence)
	}

	return emotion.Result{
		Modality:   c.modality,
		Label:      label,
		Confidence: out.Confidence,
		At:         time.Now().UTC(),
	}, nil
}
