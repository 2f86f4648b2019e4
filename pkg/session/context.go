package session

import (
	"time"

	"github.com/Danejw/companion-core/pkg/core"
	"github.com/Danejw/companion-core/pkg/protocol"
)

// Personality holds the 0-5 persona sliders sent with the personality
// context frame.
type Personality struct {
	Empathy    int
	Directness int
	Warmth     int
	Challenge  int
}

func (p Personality) validate() error {
	for _, v := range []int{p.Empathy, p.Directness, p.Warmth, p.Challenge} {
		if v < 0 || v > 5 {
			return core.NewInvariantError("personality sliders must be within 0-5")
		}
	}
	return nil
}

// GPSFix is the latest location reading.
type GPSFix struct {
	Coords    protocol.Coordinates
	Timestamp int64
}

// Context is the ambient session configuration: everything sent as context
// frames plus the per-turn orchestrate settings. It is passed explicitly at
// construction and changed through Manager.UpdateContext, never through
// shared mutable state.
type Context struct {
	Personality Personality
	LocalLingo  bool
	Voice       string
	Timezone    string

	// Extract and Summarize ride on orchestrate frames. Nil means server
	// default.
	Extract   *bool
	Summarize *int

	GPS *GPSFix
}

func (c Context) timezone() string {
	if c.Timezone != "" {
		return c.Timezone
	}
	return time.Now().Location().String()
}

// contextFrames builds the outbound context frames for this configuration,
// in the order they are sent on connect.
func (c Context) contextFrames(now time.Time) []protocol.Outbound {
	frames := make([]protocol.Outbound, 0, 4)
	if c.GPS != nil {
		frames = append(frames, protocol.GPS{
			Type:      protocol.TypeGPS,
			Coords:    c.GPS.Coords,
			Timestamp: c.GPS.Timestamp,
		})
	}
	frames = append(frames,
		protocol.Time{
			Type:      protocol.TypeTime,
			Timestamp: now.Format(time.RFC3339),
			Timezone:  c.timezone(),
		},
		protocol.Personality{
			Type:       protocol.TypePersonality,
			Empathy:    c.Personality.Empathy,
			Directness: c.Personality.Directness,
			Warmth:     c.Personality.Warmth,
			Challenge:  c.Personality.Challenge,
		},
		protocol.LocalLingo{
			Type:       protocol.TypeLocalLingo,
			LocalLingo: c.LocalLingo,
		},
	)
	return frames
}

// sameFix compares fixes by value. The optional coordinate fields are
// pointers on the wire, so they are dereferenced here; pointer identity
// would re-send a fix rebuilt from the same reading.
func sameFix(a, b GPSFix) bool {
	return a.Timestamp == b.Timestamp && sameCoords(a.Coords, b.Coords)
}

func sameCoords(a, b protocol.Coordinates) bool {
	return a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		sameOptional(a.Accuracy, b.Accuracy) &&
		sameOptional(a.Altitude, b.Altitude) &&
		sameOptional(a.AltitudeAccuracy, b.AltitudeAccuracy) &&
		sameOptional(a.Heading, b.Heading) &&
		sameOptional(a.Speed, b.Speed)
}

func sameOptional(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// changedFrames returns the context frames that differ between two
// configurations, so a settings change re-sends only what moved.
func (c Context) changedFrames(next Context, now time.Time) []protocol.Outbound {
	var frames []protocol.Outbound
	if next.GPS != nil && (c.GPS == nil || !sameFix(*c.GPS, *next.GPS)) {
		frames = append(frames, protocol.GPS{
			Type:      protocol.TypeGPS,
			Coords:    next.GPS.Coords,
			Timestamp: next.GPS.Timestamp,
		})
	}
	if c.Timezone != next.Timezone {
		frames = append(frames, protocol.Time{
			Type:      protocol.TypeTime,
			Timestamp: now.Format(time.RFC3339),
			Timezone:  next.timezone(),
		})
	}
	if c.Personality != next.Personality {
		frames = append(frames, protocol.Personality{
			Type:       protocol.TypePersonality,
			Empathy:    next.Personality.Empathy,
			Directness: next.Personality.Directness,
			Warmth:     next.Personality.Warmth,
			Challenge:  next.Personality.Challenge,
		})
	}
	if c.LocalLingo != next.LocalLingo {
		frames = append(frames, protocol.LocalLingo{
			Type:       protocol.TypeLocalLingo,
			LocalLingo: next.LocalLingo,
		})
	}
	return frames
}
