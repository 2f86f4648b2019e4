// Package session is the real-time interaction core: the connection and
// response state machine, the transcript reconciler, and the side-effect
// dispatch that turns inbound frames into collaborator calls.
package session

import (
	"time"
)

// ConnectionPhase is the lifecycle of the transport connection.
type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
	Closing
)

func (p ConnectionPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// ResponsePhase tracks the single outstanding assistant reply. It may leave
// Idle only while the connection is up; there is no request pipelining.
type ResponsePhase int

const (
	Idle ResponsePhase = iota
	AwaitingResponse
	StreamingResponse
)

func (p ResponsePhase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	case StreamingResponse:
		return "streaming_response"
	}
	return "unknown"
}

// Speaker identifies who contributed a Turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one user or assistant contribution to the transcript.
type Turn struct {
	Speaker   Speaker
	Content   string
	CreatedAt time.Time
	// AudioRef holds base64 speech for the turn when the backend sent an
	// audio_response, so the UI can replay it.
	AudioRef      string
	FeedbackGiven bool
}

// State is the full session state as a value. The reducer returns a new
// State rather than mutating, so the machine stays framework-free and each
// transition is testable in isolation.
type State struct {
	Connection ConnectionPhase
	Response   ResponsePhase

	Transcript []Turn

	// Partial is the streamed, not-yet-final assistant text shown on the
	// thinking surface. It never lives in Transcript.
	Partial string

	// LastUserInput and LastAssistantResponse are the literal strings of
	// the most recent completed exchange, kept for feedback correlation.
	LastUserInput         string
	LastAssistantResponse string
}

// cloneTranscript copies the transcript so a derived State never aliases
// its parent's backing array.
func (s State) cloneTranscript() []Turn {
	if len(s.Transcript) == 0 {
		return nil
	}
	return append([]Turn(nil), s.Transcript...)
}

// LastTurn returns the final transcript entry, if any.
func (s State) LastTurn() (Turn, bool) {
	if len(s.Transcript) == 0 {
		return Turn{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}
