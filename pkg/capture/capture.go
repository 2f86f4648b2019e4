// Package capture owns microphone and camera acquisition: live
// speech-to-text, audio clip recording, and one-shot image capture. It is
// ephemeral state bound to a single user input gesture; nothing here
// survives a disconnect.
package capture

import (
	"strings"
	"sync"
)

// Image is one captured camera frame.
type Image struct {
	ID     string
	Format string // "jpeg" or "png"
	Data   string // base64-encoded frame
}

// State tracks in-flight capture for the current input gesture. Images are
// mutated only by the capture subsystem and read/cleared only by the
// session at send time, so a single mutex suffices.
type State struct {
	mu sync.Mutex

	listening bool
	recording bool

	finals  []string
	interim string

	images []Image
}

// NewState creates an empty capture state.
func NewState() *State {
	return &State{}
}

// Listening reports whether live speech-to-text is active.
func (s *State) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Recording reports whether a clip recording is active.
func (s *State) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *State) setListening(v bool) {
	s.mu.Lock()
	s.listening = v
	s.mu.Unlock()
}

func (s *State) setRecording(v bool) {
	s.mu.Lock()
	s.recording = v
	s.mu.Unlock()
}

// applyHypothesis folds one recognizer update into the pending transcript.
// The pending text is rebuilt from every hypothesis seen so far for the
// current utterance and replaced wholesale on each update.
func (s *State) applyHypothesis(h Hypothesis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.IsFinal {
		if text := strings.TrimSpace(h.Text); text != "" {
			s.finals = append(s.finals, text)
		}
		s.interim = ""
		return
	}
	s.interim = h.Text
}

// PendingTranscript returns the provisional text for the current utterance.
func (s *State) PendingTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := append([]string(nil), s.finals...)
	if interim := strings.TrimSpace(s.interim); interim != "" {
		parts = append(parts, interim)
	}
	return strings.Join(parts, " ")
}

// resetTranscript clears the pending utterance.
func (s *State) resetTranscript() {
	s.mu.Lock()
	s.finals = nil
	s.interim = ""
	s.mu.Unlock()
}

// AddImage appends a captured frame. Images accumulate across captures
// until the session consumes them at send time.
func (s *State) AddImage(img Image) {
	s.mu.Lock()
	s.images = append(s.images, img)
	s.mu.Unlock()
}

// Images returns the captured frames in capture order.
func (s *State) Images() []Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Image(nil), s.images...)
}

// ClearImages drops all captured frames.
func (s *State) ClearImages() {
	s.mu.Lock()
	s.images = nil
	s.mu.Unlock()
}

// Reset clears everything; called when the session is torn down.
func (s *State) Reset() {
	s.mu.Lock()
	s.listening = false
	s.recording = false
	s.finals = nil
	s.interim = ""
	s.images = nil
	s.mu.Unlock()
}
