package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound frame types.
const (
	TypeUserTranscript    = "user_transcript"
	TypeAITranscript      = "ai_transcript"
	TypeAIResponse        = "ai_response"
	TypeMessageOutputItem = "message_output_item"
	TypeAudioResponse     = "audio_response"
	TypeUIAction          = "ui_action"
	TypeError             = "error"

	TypeToolCallItem       = "tool_call_item"
	TypeToolCallOutputItem = "tool_call_output_item"
	TypeAgentUpdated       = "agent_updated"
	TypeOrchestration      = "orchestration"
	TypeInfo               = "info"
	TypeImageAnalysis      = "image_analysis"

	TypeGPSAction        = "gps_action"
	TypeTimeAction       = "time_action"
	TypeTextAction       = "text_action"
	TypeAudioAction      = "audio_action"
	TypeFeedbackAction   = "feedback_action"
	TypeLocalLingoAction = "local_lingo_action"
	TypeRawAction        = "raw_action"
)

// Inbound is a typed server-to-client frame.
type Inbound interface {
	inboundType() string
}

// UserTranscript is the server-confirmed transcript of the user's voice
// input. It overrides the client's provisional speech-to-text.
type UserTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (u UserTranscript) inboundType() string { return TypeUserTranscript }

// AssistantPartial is a non-final streamed chunk of the assistant reply,
// decoded from both ai_transcript and message_output_item frames.
type AssistantPartial struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (a AssistantPartial) inboundType() string { return a.Type }

// AssistantFinal is the final assistant reply text (ai_response).
type AssistantFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (a AssistantFinal) inboundType() string { return TypeAIResponse }

// AudioResponse carries base64 assistant speech for playback.
type AudioResponse struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func (a AudioResponse) inboundType() string { return TypeAudioResponse }

// InfoFrame is a side-channel status frame (tool calls, agent handoffs,
// orchestration progress, image analysis, generic info). All share a text
// payload and none touch the transcript.
type InfoFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (i InfoFrame) inboundType() string { return i.Type }

// UIAction instructs the client to toggle a UI surface.
type UIAction struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (u UIAction) inboundType() string { return TypeUIAction }

// ActionAck acknowledges a context or input frame the client sent earlier
// (gps_action, time_action, feedback_action, ...).
type ActionAck struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (a ActionAck) inboundType() string { return a.Type }

// ErrorFrame is a server-reported error. Text carries the code for known
// conditions (NO_CREDITS, UNAUTHENTICATED) or a human-readable message.
type ErrorFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e ErrorFrame) inboundType() string { return TypeError }

// Unrecognized wraps a frame whose type this client does not know. The
// session logs and ignores it instead of failing.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (u Unrecognized) inboundType() string { return u.Type }

// Decode parses a server frame, dispatching on its type discriminator.
// Unknown types return an Unrecognized variant rather than an error so
// dispatch can log-and-ignore; only malformed JSON fails.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Message: "invalid json frame", Cause: err}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &DecodeError{Message: "frame missing type"}
	}

	switch typ {
	case TypeUserTranscript:
		var msg UserTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid user_transcript", Cause: err}
		}
		return msg, nil
	case TypeAITranscript, TypeMessageOutputItem:
		var msg AssistantPartial
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid " + typ, Cause: err}
		}
		return msg, nil
	case TypeAIResponse:
		var msg AssistantFinal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid ai_response", Cause: err}
		}
		return msg, nil
	case TypeAudioResponse:
		var msg AudioResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid audio_response", Cause: err}
		}
		return msg, nil
	case TypeToolCallItem, TypeToolCallOutputItem, TypeAgentUpdated,
		TypeOrchestration, TypeInfo, TypeImageAnalysis:
		var msg InfoFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid " + typ, Cause: err}
		}
		return msg, nil
	case TypeUIAction:
		var msg UIAction
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid ui_action", Cause: err}
		}
		return msg, nil
	case TypeGPSAction, TypeTimeAction, TypeTextAction, TypeAudioAction,
		TypeFeedbackAction, TypeLocalLingoAction, TypeRawAction:
		var msg ActionAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid " + typ, Cause: err}
		}
		return msg, nil
	case TypeError:
		var msg ErrorFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Message: "invalid error frame", Cause: err}
		}
		return msg, nil
	default:
		return Unrecognized{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

// DecodeError reports a malformed inbound frame. The session logs it and
// drops the single frame; it is never fatal.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
