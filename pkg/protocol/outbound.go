// Package protocol defines the wire envelopes exchanged with the companion
// backend and the codec between typed envelopes and their JSON frames.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/Danejw/companion-core/pkg/core"
)

// Outbound frame types.
const (
	TypeText        = "text"
	TypeAudio       = "audio"
	TypeImage       = "image"
	TypeGPS         = "gps"
	TypeTime        = "time"
	TypePersonality = "personality"
	TypeLocalLingo  = "local_lingo"
	TypeFeedback    = "feedback"
	TypeOrchestrate = "orchestrate"
)

// Outbound is a typed client-to-server envelope.
type Outbound interface {
	outboundType() string
}

// Text carries one user text input.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (t Text) outboundType() string { return TypeText }

// Audio carries one base64-encoded user voice clip.
type Audio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	Voice string `json:"voice,omitempty"`
}

func (a Audio) outboundType() string { return TypeAudio }

// Image carries captured frames attached to the current user input.
type Image struct {
	Type   string   `json:"type"`
	Format string   `json:"format"`
	Data   []string `json:"data"`
	Input  string   `json:"input,omitempty"`
}

func (i Image) outboundType() string { return TypeImage }

// Coordinates mirrors the browser geolocation shape. Latitude and longitude
// pass through as IEEE-754 doubles unmodified.
type Coordinates struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	Altitude         *float64 `json:"altitude,omitempty"`
	AltitudeAccuracy *float64 `json:"altitudeAccuracy,omitempty"`
	Heading          *float64 `json:"heading,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
}

// GPS is a context frame carrying the latest location fix.
type GPS struct {
	Type      string      `json:"type"`
	Coords    Coordinates `json:"coords"`
	Timestamp int64       `json:"timestamp"`
}

func (g GPS) outboundType() string { return TypeGPS }

// Time is a context frame carrying local wall-clock time and timezone.
type Time struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Timezone  string `json:"timezone"`
}

func (t Time) outboundType() string { return TypeTime }

// Personality is a context frame carrying the 0-5 persona sliders.
type Personality struct {
	Type       string `json:"type"`
	Empathy    int    `json:"empathy"`
	Directness int    `json:"directness"`
	Warmth     int    `json:"warmth"`
	Challenge  int    `json:"challenge"`
}

func (p Personality) outboundType() string { return TypePersonality }

// LocalLingo is a context frame toggling regional phrasing.
type LocalLingo struct {
	Type       string `json:"type"`
	LocalLingo bool   `json:"local_lingo"`
}

func (l LocalLingo) outboundType() string { return TypeLocalLingo }

// Feedback reports a thumbs up/down for the last assistant reply.
type Feedback struct {
	Type         string `json:"type"`
	FeedbackType bool   `json:"feedback_type"`
}

func (f Feedback) outboundType() string { return TypeFeedback }

// Orchestrate asks the backend agent to run on the given user input.
// Extract and Summarize are settings toggles; absent means server default,
// so both are pointers and omitted when unset rather than sent as null.
type Orchestrate struct {
	Type      string `json:"type"`
	UserInput string `json:"user_input"`
	Extract   *bool  `json:"extract,omitempty"`
	Summarize *int   `json:"summarize,omitempty"`
}

func (o Orchestrate) outboundType() string { return TypeOrchestrate }

// Encode serializes an outbound envelope to its wire JSON. The envelope's
// Type field must match its Go type; undefined optional fields are omitted,
// never emitted as null.
func Encode(out Outbound) ([]byte, error) {
	if out == nil {
		return nil, core.NewProtocolError("encode: nil envelope")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, core.NewProtocolError("encode " + out.outboundType() + ": " + err.Error())
	}
	var check struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &check); err != nil || strings.TrimSpace(check.Type) != out.outboundType() {
		return nil, core.NewProtocolError("encode: envelope type must be " + out.outboundType())
	}
	return data, nil
}

// DecodeOutbound parses a client-originated frame back into its typed
// envelope. Used by the polling transport and round-trip tests.
func DecodeOutbound(data []byte) (Outbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, core.NewProtocolError("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, core.NewProtocolError("frame missing type")
	}

	switch typ {
	case TypeText:
		var msg Text
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid text frame")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid audio frame")
		}
		return msg, nil
	case TypeImage:
		var msg Image
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid image frame")
		}
		return msg, nil
	case TypeGPS:
		var msg GPS
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid gps frame")
		}
		return msg, nil
	case TypeTime:
		var msg Time
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid time frame")
		}
		return msg, nil
	case TypePersonality:
		var msg Personality
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid personality frame")
		}
		return msg, nil
	case TypeLocalLingo:
		var msg LocalLingo
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid local_lingo frame")
		}
		return msg, nil
	case TypeFeedback:
		var msg Feedback
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid feedback frame")
		}
		return msg, nil
	case TypeOrchestrate:
		var msg Orchestrate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, core.NewProtocolError("invalid orchestrate frame")
		}
		return msg, nil
	default:
		return nil, core.NewProtocolError("unsupported outbound type " + typ)
	}
}
