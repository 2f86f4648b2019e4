package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Danejw/companion-core/pkg/protocol"
)

const strategyPolling = "polling"

// Polling is the request/response transport strategy: each outbound frame
// is POSTed on its own, and the response body carries a JSON array of any
// inbound frames the backend produced for it. There is no server push;
// latency-sensitive deployments should prefer WebSocket or ServerStream.
type Polling struct {
	logger     *slog.Logger
	metrics    *Metrics
	httpClient *http.Client

	endpoint  string
	authToken string

	frames  chan json.RawMessage
	done    chan struct{}
	closing chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
	open      atomic.Bool
}

// NewPolling creates a polling strategy. client, logger, and metrics may
// be nil.
func NewPolling(client *http.Client, logger *slog.Logger, metrics *Metrics) *Polling {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Polling{
		logger:     logger,
		metrics:    metrics,
		httpClient: client,
		frames:     make(chan json.RawMessage, 256),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
}

// Connect verifies the endpoint is reachable. Polling has no persistent
// socket, so this is a health probe honoring the connect deadline.
func (p *Polling) Connect(ctx context.Context, endpoint, authToken string) error {
	if p.open.Load() {
		return fmt.Errorf("polling transport is already open")
	}
	p.reset()
	p.endpoint = strings.TrimSpace(endpoint)
	p.authToken = authToken

	probeCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		probeCtx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		p.metrics.recordConnect(strategyPolling, "error")
		return &TransportError{Op: "GET", URL: p.endpoint + "/health", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.metrics.recordConnect(strategyPolling, "error")
		return &TransportError{Op: "GET", URL: p.endpoint + "/health", Err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.metrics.recordConnect(strategyPolling, "error")
		return &TransportError{Op: "GET", URL: p.endpoint + "/health", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	p.open.Store(true)
	p.metrics.recordConnect(strategyPolling, "ok")
	return nil
}

// reset re-arms the per-connection state so the strategy can be used
// again after a close.
func (p *Polling) reset() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.frames = make(chan json.RawMessage, 256)
	p.done = make(chan struct{})
	p.closing = make(chan struct{})
	p.closeOnce = sync.Once{}
}

// Send posts one outbound frame and feeds any returned frames into the
// inbound channel, preserving their order in the response array.
func (p *Polling) Send(out protocol.Outbound) error {
	if !p.open.Load() {
		return fmt.Errorf("polling transport is not open")
	}
	data, err := protocol.Encode(out)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, p.endpoint+"/send", bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: "POST", URL: p.endpoint + "/send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "POST", URL: p.endpoint + "/send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &TransportError{Op: "POST", URL: p.endpoint + "/send", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	p.metrics.recordSend(strategyPolling, frameType(data))

	var inbound []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&inbound); err != nil {
		p.metrics.recordDrop(strategyPolling)
		p.logger.Warn("dropping malformed poll response", "strategy", strategyPolling, "error", err)
		return nil
	}

	// One mutation at a time keeps inbound ordering well-defined even if
	// callers race Send.
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	for _, frame := range inbound {
		if !json.Valid(frame) {
			p.metrics.recordDrop(strategyPolling)
			continue
		}
		p.metrics.recordReceive(strategyPolling)
		select {
		case p.frames <- frame:
		case <-p.closing:
			return nil
		}
	}
	return nil
}

// Frames yields inbound frames in arrival order.
func (p *Polling) Frames() <-chan json.RawMessage {
	return p.frames
}

// Close marks the transport disconnected. Idempotent.
func (p *Polling) Close() error {
	p.closeOnce.Do(func() {
		p.open.Store(false)
		close(p.closing)
		// Wait out any in-flight Send before closing the channel it
		// delivers into.
		p.sendMu.Lock()
		close(p.frames)
		p.sendMu.Unlock()
		close(p.done)
		p.metrics.recordDisconnect()
	})
	<-p.done
	return nil
}

// Err always returns nil: polling has no long-lived connection to fail.
func (p *Polling) Err() error {
	<-p.done
	return nil
}
