package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Danejw/companion-core/pkg/protocol"
)

const strategyServerStream = "server_stream"

// ServerStream is the server-push transport strategy: inbound frames
// arrive on a long-lived SSE response, outbound frames go out as
// individual HTTP POSTs against the same endpoint.
type ServerStream struct {
	logger     *slog.Logger
	metrics    *Metrics
	httpClient *http.Client

	endpoint     string
	authToken    string
	body         io.ReadCloser
	cancelStream context.CancelFunc

	frames  chan json.RawMessage
	done    chan struct{}
	closing chan struct{}

	closeOnce sync.Once
	open      atomic.Bool

	errMu sync.Mutex
	err   error
}

// NewServerStream creates a server-push strategy. client, logger, and
// metrics may be nil.
func NewServerStream(client *http.Client, logger *slog.Logger, metrics *Metrics) *ServerStream {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerStream{
		logger:     logger,
		metrics:    metrics,
		httpClient: client,
		frames:     make(chan json.RawMessage, 256),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
}

// Connect opens the inbound event stream.
func (s *ServerStream) Connect(ctx context.Context, endpoint, authToken string) error {
	if s.open.Load() {
		return fmt.Errorf("server stream is already open")
	}
	s.reset()
	s.endpoint = strings.TrimSpace(endpoint)
	s.authToken = authToken

	// The stream outlives Connect, so it gets a detached context; the
	// connect deadline only covers establishment and is enforced by a
	// timer that aborts the half-open request.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelStream = cancel

	timeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.endpoint+"/events", nil)
	if err != nil {
		cancel()
		s.metrics.recordConnect(strategyServerStream, "error")
		return &TransportError{Op: "GET", URL: s.endpoint + "/events", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+authToken)

	timer := time.AfterFunc(timeout, cancel)
	resp, err := s.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		s.metrics.recordConnect(strategyServerStream, "error")
		return &TransportError{Op: "GET", URL: s.endpoint + "/events", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		s.metrics.recordConnect(strategyServerStream, "error")
		return &TransportError{Op: "GET", URL: s.endpoint + "/events", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	s.body = resp.Body
	s.open.Store(true)
	s.metrics.recordConnect(strategyServerStream, "ok")
	go s.readLoop()
	return nil
}

// reset re-arms the per-connection state so the strategy can be dialed
// again after a close or drop.
func (s *ServerStream) reset() {
	s.frames = make(chan json.RawMessage, 256)
	s.done = make(chan struct{})
	s.closing = make(chan struct{})
	s.closeOnce = sync.Once{}
	s.body = nil
	s.cancelStream = nil
	s.errMu.Lock()
	s.err = nil
	s.errMu.Unlock()
}

// Send posts one outbound frame.
func (s *ServerStream) Send(out protocol.Outbound) error {
	if !s.open.Load() {
		return fmt.Errorf("server stream is not open")
	}
	data, err := protocol.Encode(out)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.endpoint+"/send", bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: "POST", URL: s.endpoint + "/send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "POST", URL: s.endpoint + "/send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &TransportError{Op: "POST", URL: s.endpoint + "/send", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	s.metrics.recordSend(strategyServerStream, frameType(data))
	return nil
}

// Frames yields inbound frames in arrival order.
func (s *ServerStream) Frames() <-chan json.RawMessage {
	return s.frames
}

// Close tears the stream down. Idempotent.
func (s *ServerStream) Close() error {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		close(s.closing)
		if s.cancelStream != nil {
			s.cancelStream()
		}
		if s.body != nil {
			_ = s.body.Close()
		} else {
			close(s.done)
			close(s.frames)
		}
		s.metrics.recordDisconnect()
	})
	<-s.done
	return nil
}

// Err returns the terminal connection error after Frames closes.
func (s *ServerStream) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *ServerStream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ServerStream) readLoop() {
	defer close(s.done)
	defer close(s.frames)

	parser := newSSEParser(s.body)
	for {
		frame, err := parser.Next()
		if err != nil {
			s.open.Store(false)
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				s.setErr(err)
			}
			return
		}
		if len(frame.Data) == 0 {
			continue
		}
		if !json.Valid(frame.Data) {
			s.metrics.recordDrop(strategyServerStream)
			s.logger.Warn("dropping malformed inbound frame", "strategy", strategyServerStream, "bytes", len(frame.Data))
			continue
		}
		s.metrics.recordReceive(strategyServerStream)
		select {
		case s.frames <- append(json.RawMessage(nil), frame.Data...):
		case <-s.closing:
			return
		}
	}
}

func (s *ServerStream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

type sseFrame struct {
	Event string
	Data  []byte
}

type sseParser struct {
	reader *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{reader: bufio.NewReader(r)}
}

func (p *sseParser) Next() (sseFrame, error) {
	var eventType string
	var dataLines []string

	flush := func(eof bool) (sseFrame, error, bool) {
		if len(dataLines) == 0 && eventType == "" {
			if eof {
				return sseFrame{}, io.EOF, true
			}
			return sseFrame{}, nil, false
		}
		return sseFrame{
			Event: eventType,
			Data:  []byte(strings.Join(dataLines, "\n")),
		}, nil, true
	}

	for {
		line, err := p.reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return sseFrame{}, err
		}

		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
		}

		if line == "" {
			if frame, ferr, done := flush(eof); done {
				return frame, ferr
			}
			if eof {
				return sseFrame{}, io.EOF
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value := splitSSEField(line)
			switch field {
			case "event":
				eventType = value
			case "data":
				dataLines = append(dataLines, value)
			}
		}

		if eof {
			if frame, ferr, done := flush(true); done {
				return frame, ferr
			}
			return sseFrame{}, io.EOF
		}
	}
}

func splitSSEField(line string) (field string, value string) {
	index := strings.IndexByte(line, ':')
	if index < 0 {
		return line, ""
	}
	field = line[:index]
	value = line[index+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}
