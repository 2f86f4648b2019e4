// Package transport owns the persistent bidirectional connection to the
// companion backend. The session is strategy-agnostic: the same state
// machine runs over a websocket, a server-push stream, or plain polling.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Danejw/companion-core/pkg/protocol"
)

// DefaultConnectTimeout bounds connection establishment. A half-open
// socket is force-closed before the failure is reported.
const DefaultConnectTimeout = 10 * time.Second

// Strategy is one way of moving frames to and from the backend.
//
// Connect must be called exactly once before Send. Frames yields inbound
// frames strictly in arrival order; the channel closes when the connection
// ends. Close is idempotent and always leaves the strategy disconnected.
// Err reports the terminal connection error, if any, after Frames closes.
type Strategy interface {
	Connect(ctx context.Context, endpoint, authToken string) error
	Send(out protocol.Outbound) error
	Frames() <-chan json.RawMessage
	Close() error
	Err() error
}

// TransportError reports a failed transport operation.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return e.Op + " " + e.URL + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
