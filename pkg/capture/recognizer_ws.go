package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Danejw/companion-core/pkg/core"
)

// RecognizerConfig configures the websocket speech-to-text session.
type RecognizerConfig struct {
	URL      string // wss endpoint of the STT service
	APIKey   string
	Language string // ISO code, default "en"
}

// StreamingRecognizer feeds microphone audio to a websocket STT service
// and yields transcript hypotheses for the current utterance.
type StreamingRecognizer struct {
	cfg    RecognizerConfig
	device Device

	conn       *websocket.Conn
	hypotheses chan Hypothesis
	done       chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewStreamingRecognizer creates a recognizer over the given device.
func NewStreamingRecognizer(cfg RecognizerConfig, device Device) *StreamingRecognizer {
	return &StreamingRecognizer{
		cfg:        cfg,
		device:     device,
		hypotheses: make(chan Hypothesis, 100),
		done:       make(chan struct{}),
	}
}

// Start dials the STT service and begins streaming microphone audio.
func (r *StreamingRecognizer) Start(ctx context.Context) error {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return core.NewCapabilityError("invalid speech service URL", err)
	}
	q := u.Query()
	language := r.cfg.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", fmt.Sprintf("%d", SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("X-API-Key", r.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return core.NewCapabilityError("speech service unavailable", err)
	}
	r.conn = conn

	if err := r.device.Start(func(pcm []byte) {
		_ = r.sendAudio(pcm)
	}); err != nil {
		_ = conn.Close()
		return err
	}

	go r.readLoop()
	return nil
}

// Hypotheses yields transcript updates until the session ends.
func (r *StreamingRecognizer) Hypotheses() <-chan Hypothesis {
	return r.hypotheses
}

// Stop releases the microphone and closes the session. The device is
// released before the socket so no audio is captured past the gesture.
func (r *StreamingRecognizer) Stop() error {
	devErr := r.device.Stop()

	if r.closed.Swap(true) {
		return devErr
	}
	if r.conn != nil {
		r.writeMu.Lock()
		_ = r.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
		_ = r.conn.WriteMessage(websocket.TextMessage, []byte("done"))
		_ = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		_ = r.conn.Close()
	} else {
		close(r.hypotheses)
		close(r.done)
	}
	<-r.done
	return devErr
}

func (r *StreamingRecognizer) sendAudio(pcm []byte) error {
	if r.closed.Load() {
		return fmt.Errorf("recognizer closed")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (r *StreamingRecognizer) readLoop() {
	defer close(r.done)
	defer close(r.hypotheses)

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type    string `json:"type"`
			Text    string `json:"text"`
			IsFinal bool   `json:"is_final"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			select {
			case r.hypotheses <- Hypothesis{Text: msg.Text, IsFinal: msg.IsFinal}:
			default:
				// Never stall the socket on a slow consumer; the next
				// hypothesis supersedes this one anyway.
			}
		case "flush_done":
			continue
		case "done", "error":
			return
		}
	}
}
