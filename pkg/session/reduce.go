package session

import (
	"time"

	"github.com/Danejw/companion-core/pkg/core"
	"github.com/Danejw/companion-core/pkg/protocol"
)

// Effect is an external action requested by a state transition. The reducer
// only describes effects; the Manager executes them against its
// collaborators, keeping the machine itself pure.
type Effect interface {
	effect()
}

// PlayAudio asks the dispatcher to start playback of base64 speech.
type PlayAudio struct {
	Audio string
}

// OpenOverlay asks the UI to show a named overlay surface.
type OpenOverlay struct {
	Name   string
	Params map[string]any
}

// CloseOverlay asks the UI to hide a named overlay surface.
type CloseOverlay struct {
	Name string
}

// Notify asks the UI for a transient, non-blocking notification.
type Notify struct {
	Severity string // "info", "warning", "error"
	Message  string
}

// InvalidateCache asks the host to drop a cached value (credit balance
// after a NO_CREDITS error, for example).
type InvalidateCache struct {
	Key string
}

// Acknowledged surfaces a server ack for a context or input frame the
// client sent earlier.
type Acknowledged struct {
	Kind string
	Text string
}

func (PlayAudio) effect()       {}
func (OpenOverlay) effect()     {}
func (CloseOverlay) effect()    {}
func (Notify) effect()          {}
func (InvalidateCache) effect() {}
func (Acknowledged) effect()    {}

// Overlay names used by error recovery.
const (
	OverlayCredits = "credits"
	OverlayReauth  = "reauth"
)

// CacheCredits is the cache key invalidated when the backend reports the
// balance is exhausted.
const CacheCredits = "credits"

// Reduce applies one inbound frame to the session state and returns the
// next state plus the effects the transition requires. Frames the session
// does not know are a no-op; the caller logs them.
func Reduce(s State, in protocol.Inbound) (State, []Effect) {
	switch msg := in.(type) {
	case protocol.UserTranscript:
		return reduceUserTranscript(s, msg), nil
	case protocol.AssistantPartial:
		return reducePartial(s, msg), nil
	case protocol.AssistantFinal:
		return reconcileFinal(s, msg.Text)
	case protocol.AudioResponse:
		return reduceAudio(s, msg)
	case protocol.InfoFrame:
		return s, []Effect{Notify{Severity: "info", Message: msg.Text}}
	case protocol.UIAction:
		return s, reduceUIAction(msg)
	case protocol.ActionAck:
		return s, []Effect{Acknowledged{Kind: msg.Type, Text: msg.Text}}
	case protocol.ErrorFrame:
		return reduceError(s, msg)
	default:
		// Unrecognized and future variants: state unchanged.
		return s, nil
	}
}

// reduceUserTranscript replaces the provisional user Turn with the
// server-confirmed transcript. Voice input relies on this: the client's own
// speech-to-text is provisional, the server's is canonical for history.
func reduceUserTranscript(s State, msg protocol.UserTranscript) State {
	next := s
	next.Transcript = s.cloneTranscript()
	next.LastUserInput = msg.Text

	if n := len(next.Transcript); n > 0 && next.Transcript[n-1].Speaker == SpeakerUser {
		next.Transcript[n-1].Content = msg.Text
		return next
	}
	next.Transcript = append(next.Transcript, Turn{
		Speaker:   SpeakerUser,
		Content:   msg.Text,
		CreatedAt: time.Now(),
	})
	return next
}

func reducePartial(s State, msg protocol.AssistantPartial) State {
	next := s
	next.Response = StreamingResponse
	next.Partial = msg.Text
	return next
}

// reconcileFinal merges the final assistant text into the transcript.
// If the last Turn is an assistant Turn with different content, it is
// finalized in place; with identical content the duplicate final is
// dropped; otherwise a new assistant Turn is appended.
func reconcileFinal(s State, text string) (State, []Effect) {
	next := s
	next.Response = Idle
	next.Partial = ""
	next.LastAssistantResponse = text

	if n := len(s.Transcript); n > 0 && s.Transcript[n-1].Speaker == SpeakerAssistant {
		if s.Transcript[n-1].Content == text {
			next.Transcript = s.Transcript
			return next, nil
		}
		next.Transcript = s.cloneTranscript()
		next.Transcript[n-1].Content = text
		return next, nil
	}

	next.Transcript = append(s.cloneTranscript(), Turn{
		Speaker:   SpeakerAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
	return next, nil
}

// reduceAudio attaches the speech clip to the latest assistant Turn and
// requests playback.
func reduceAudio(s State, msg protocol.AudioResponse) (State, []Effect) {
	next := s
	if n := len(s.Transcript); n > 0 && s.Transcript[n-1].Speaker == SpeakerAssistant {
		next.Transcript = s.cloneTranscript()
		next.Transcript[n-1].AudioRef = msg.Audio
	}
	return next, []Effect{PlayAudio{Audio: msg.Audio}}
}

func reduceUIAction(msg protocol.UIAction) []Effect {
	switch msg.Action {
	case "open":
		return []Effect{OpenOverlay{Name: msg.Target, Params: msg.Params}}
	case "close":
		return []Effect{CloseOverlay{Name: msg.Target}}
	default:
		return []Effect{Notify{Severity: "info", Message: "unsupported ui action: " + msg.Action}}
	}
}

// reduceError maps server error frames to recovery effects. Known codes get
// a dedicated overlay; anything else is a transient notification. None of
// them are connection-fatal.
func reduceError(s State, msg protocol.ErrorFrame) (State, []Effect) {
	next := s
	next.Response = Idle
	next.Partial = ""

	switch msg.Text {
	case core.CodeNoCredits:
		return next, []Effect{
			OpenOverlay{Name: OverlayCredits},
			InvalidateCache{Key: CacheCredits},
		}
	case core.CodeUnauthenticated:
		return next, []Effect{OpenOverlay{Name: OverlayReauth}}
	default:
		return next, []Effect{Notify{Severity: "error", Message: msg.Text}}
	}
}
