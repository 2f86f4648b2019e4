package capture

import (
	"context"
	"sync"

	"github.com/Danejw/companion-core/pkg/core"
)

// Hypothesis is one streaming speech-to-text update for the current
// utterance.
type Hypothesis struct {
	Text    string
	IsFinal bool
}

// Recognizer is a streaming speech-to-text session. Start acquires the
// underlying audio source; Hypotheses yields updates until the recognizer
// ends (Stop, or the service cutting the utterance off on silence); Stop
// releases the audio source and is safe to call at any point.
type Recognizer interface {
	Start(ctx context.Context) error
	Hypotheses() <-chan Hypothesis
	Stop() error
}

// Transcriber drives a Recognizer and folds its hypotheses into State.
// One utterance at a time: Begin, then End to finalize and take the text.
type Transcriber struct {
	state *State

	mu     sync.Mutex
	active Recognizer
	done   chan struct{}

	newRecognizer func() (Recognizer, error)
}

// NewTranscriber creates a transcriber. newRecognizer is invoked per
// utterance; it should return a CapabilityError when the host has no
// speech support so the failure surfaces to the user instead of
// silently no-oping.
func NewTranscriber(state *State, newRecognizer func() (Recognizer, error)) *Transcriber {
	return &Transcriber{state: state, newRecognizer: newRecognizer}
}

// Begin starts listening for one utterance.
func (t *Transcriber) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return core.NewInvariantError("already listening")
	}

	rec, err := t.newRecognizer()
	if err != nil {
		return err
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}

	t.active = rec
	t.done = make(chan struct{})
	t.state.resetTranscript()
	t.state.setListening(true)

	go func(done chan struct{}) {
		defer close(done)
		for h := range rec.Hypotheses() {
			t.state.applyHypothesis(h)
		}
		// The recognizer may end on its own (silence timeout). Release the
		// slot so the next Begin works, then fall back to not-listening.
		// A racing End has already taken ownership when t.done != done.
		t.mu.Lock()
		if t.done == done {
			t.active = nil
			t.done = nil
		}
		t.mu.Unlock()
		t.state.setListening(false)
	}(t.done)
	return nil
}

// End stops listening and returns the finalized utterance text. The
// pending transcript is cleared; the microphone is released even when the
// recognizer reports a stop error.
func (t *Transcriber) End() (string, error) {
	t.mu.Lock()
	rec := t.active
	done := t.done
	t.active = nil
	t.done = nil
	t.mu.Unlock()

	if rec == nil {
		return "", core.NewInvariantError("not listening")
	}

	stopErr := rec.Stop()
	<-done

	text := t.state.PendingTranscript()
	t.state.resetTranscript()
	t.state.setListening(false)
	return text, stopErr
}
