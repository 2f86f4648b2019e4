package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Danejw/companion-core/pkg/capture"
	"github.com/Danejw/companion-core/pkg/core"
	"github.com/Danejw/companion-core/pkg/protocol"
	"github.com/Danejw/companion-core/pkg/transport"
)

// UI is the host surface the dispatcher drives. Implementations must be
// safe to call from the session's receive goroutine.
type UI interface {
	Notify(severity, message string)
	OpenOverlay(name string, params map[string]any)
	CloseOverlay(name string)
	InvalidateCache(key string)
}

// FeedbackSink records a thumbs up/down against the literal
// (userInput, assistantOutput) pair it rates.
type FeedbackSink interface {
	SubmitFeedback(userInput, assistantOutput string, positive bool) error
}

type noopUI struct{}

func (noopUI) Notify(string, string)              {}
func (noopUI) OpenOverlay(string, map[string]any) {}
func (noopUI) CloseOverlay(string)                {}
func (noopUI) InvalidateCache(string)             {}

// Options configures a Manager. Zero-value fields get safe defaults.
type Options struct {
	Logger   *slog.Logger
	UI       UI
	Feedback FeedbackSink
	Player   *Player
	Capture  *capture.State
	Context  Context

	// OnUpdate, when set, is called with a state snapshot after every
	// inbound frame is applied. It runs on the receive goroutine.
	OnUpdate func(State)
}

// UserInput is one user contribution handed to SendUserTurn. Text is the
// input text; for voice turns it is the provisional local transcript and
// Clip carries the recorded audio.
type UserInput struct {
	Text string
	Clip *capture.Clip
}

// Manager owns one session: it drives the transport strategy, applies the
// reducer to every inbound frame in arrival order, and executes the
// resulting effects against the UI, player, and feedback collaborators.
type Manager struct {
	log       *slog.Logger
	transport transport.Strategy
	ui        UI
	feedback  FeedbackSink
	player    *Player
	capture   *capture.State

	onUpdate func(State)

	// lifecycle serializes Connect and Disconnect, so a connect issued
	// while the session is Closing waits for teardown to finish and then
	// proceeds from Disconnected.
	lifecycle sync.Mutex

	mu           sync.Mutex
	state        State
	sessionCtx   Context
	openOverlays map[string]bool
	done         chan struct{}
}

// NewManager creates a session manager over the given transport strategy.
func NewManager(strategy transport.Strategy, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UI == nil {
		opts.UI = noopUI{}
	}
	if opts.Capture == nil {
		opts.Capture = capture.NewState()
	}
	return &Manager{
		log:          opts.Logger,
		transport:    strategy,
		ui:           opts.UI,
		feedback:     opts.Feedback,
		player:       opts.Player,
		capture:      opts.Capture,
		sessionCtx:   opts.Context,
		onUpdate:     opts.OnUpdate,
		openOverlays: make(map[string]bool),
	}
}

// State returns a snapshot of the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Transcript = m.state.cloneTranscript()
	return s
}

// Connect opens the transport, sends the initial context frames once, and
// starts the receive loop. On any failure the session returns to
// Disconnected; retry is the caller's decision.
func (m *Manager) Connect(ctx context.Context, endpoint, authToken string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state.Connection != Disconnected {
		m.mu.Unlock()
		return core.NewInvariantError("connect from " + m.state.Connection.String())
	}
	m.state.Connection = Connecting
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, endpoint, authToken); err != nil {
		m.mu.Lock()
		m.state.Connection = Disconnected
		m.mu.Unlock()
		var cerr *core.Error
		if errors.As(err, &cerr) {
			return err
		}
		return core.NewConnectionError("connect", err)
	}

	m.mu.Lock()
	m.state.Connection = Connected
	m.state.Response = Idle
	m.done = make(chan struct{})
	frames := m.sessionCtx.contextFrames(time.Now())
	m.mu.Unlock()

	// Context frames are best effort: a failed one is logged, not fatal.
	for _, frame := range frames {
		if err := m.transport.Send(frame); err != nil {
			m.log.Warn("context frame not sent", "error", err)
		}
	}

	go m.receiveLoop()
	return nil
}

// receiveLoop decodes and reduces inbound frames strictly in arrival order.
func (m *Manager) receiveLoop() {
	defer close(m.done)

	for raw := range m.transport.Frames() {
		msg, err := protocol.Decode(raw)
		if err != nil {
			m.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if u, ok := msg.(protocol.Unrecognized); ok {
			m.log.Warn("ignoring unrecognized frame", "type", u.Type)
			continue
		}

		m.mu.Lock()
		next, effects := Reduce(m.state, msg)
		m.state = next
		m.mu.Unlock()

		m.dispatch(effects)
		if m.onUpdate != nil {
			m.onUpdate(m.State())
		}
	}

	// Frame channel closed: either our own Close or the peer dropped us.
	err := m.transport.Err()

	m.mu.Lock()
	dropped := m.state.Connection == Connected
	m.resetLocked()
	m.mu.Unlock()

	if dropped {
		if err == nil {
			err = core.NewConnectionError("connection closed by server", nil)
		}
		m.log.Error("connection lost", "error", err)
		m.ui.Notify("error", "connection lost")
	}
}

// SendUserTurn sends one user contribution. Only legal while no response is
// outstanding; the user Turn is appended optimistically and the frames go
// out in fixed order: primary modality, then image, then orchestrate.
func (m *Manager) SendUserTurn(input UserInput) error {
	m.mu.Lock()

	if m.state.Connection != Connected {
		m.mu.Unlock()
		return core.NewInvariantError("send while " + m.state.Connection.String())
	}
	if m.state.Response != Idle {
		m.mu.Unlock()
		return core.NewInvariantError("response already in flight")
	}
	if input.Text == "" && input.Clip == nil {
		m.mu.Unlock()
		return core.NewInvariantError("empty user input")
	}

	frames := make([]protocol.Outbound, 0, 3)
	if input.Clip != nil {
		frames = append(frames, protocol.Audio{
			Type:  protocol.TypeAudio,
			Audio: input.Clip.Base64,
			Voice: m.sessionCtx.Voice,
		})
	} else {
		frames = append(frames, protocol.Text{
			Type: protocol.TypeText,
			Text: input.Text,
		})
	}

	images := m.capture.Images()
	if len(images) > 0 {
		data := make([]string, len(images))
		for i, img := range images {
			data[i] = img.Data
		}
		frames = append(frames, protocol.Image{
			Type:   protocol.TypeImage,
			Format: images[0].Format,
			Data:   data,
			Input:  input.Text,
		})
	}

	frames = append(frames, protocol.Orchestrate{
		Type:      protocol.TypeOrchestrate,
		UserInput: input.Text,
		Extract:   m.sessionCtx.Extract,
		Summarize: m.sessionCtx.Summarize,
	})

	turn := Turn{
		Speaker:   SpeakerUser,
		Content:   input.Text,
		CreatedAt: time.Now(),
	}
	m.state.Transcript = append(m.state.cloneTranscript(), turn)
	m.state.Response = AwaitingResponse
	m.state.LastUserInput = input.Text
	m.mu.Unlock()

	// Frames go out without the state lock held. A transport may deliver
	// response frames inline from Send, and the receive loop needs the
	// lock to drain them.
	for _, frame := range frames {
		if err := m.transport.Send(frame); err != nil {
			m.rollbackUserTurn(turn)
			return err
		}
	}

	// Images ride exactly one turn; the set is cleared on success.
	m.capture.ClearImages()
	return nil
}

// rollbackUserTurn undoes the optimistic state committed by SendUserTurn
// when a frame fails to send. The turn is removed only if it is still the
// tail of the transcript, and the response phase is returned to Idle only
// if nothing else has moved it on.
func (m *Manager) rollbackUserTurn(turn Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.state.Transcript); n > 0 {
		last := m.state.Transcript[n-1]
		if last.Speaker == turn.Speaker && last.Content == turn.Content && last.CreatedAt.Equal(turn.CreatedAt) {
			m.state.Transcript = m.state.cloneTranscript()[:n-1]
		}
	}
	if m.state.Response == AwaitingResponse {
		m.state.Response = Idle
		m.state.Partial = ""
	}
}

// UpdateContext swaps the session configuration and re-sends the context
// frames whose values changed.
func (m *Manager) UpdateContext(next Context) error {
	if err := next.Personality.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.sessionCtx
	m.sessionCtx = next
	connected := m.state.Connection == Connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	for _, frame := range prev.changedFrames(next, time.Now()) {
		if err := m.transport.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

// SubmitFeedback rates the most recent assistant reply. Each Turn accepts
// feedback at most once; the sink receives the literal exchanged strings.
func (m *Manager) SubmitFeedback(positive bool) error {
	m.mu.Lock()
	n := len(m.state.Transcript)
	if n == 0 || m.state.Transcript[n-1].Speaker != SpeakerAssistant {
		m.mu.Unlock()
		return core.NewInvariantError("no assistant reply to rate")
	}
	if m.state.Transcript[n-1].FeedbackGiven {
		m.mu.Unlock()
		return core.NewInvariantError("feedback already submitted")
	}
	m.state.Transcript = m.state.cloneTranscript()
	m.state.Transcript[n-1].FeedbackGiven = true
	userInput := m.state.LastUserInput
	assistantOutput := m.state.LastAssistantResponse
	m.mu.Unlock()

	if err := m.transport.Send(protocol.Feedback{
		Type:         protocol.TypeFeedback,
		FeedbackType: positive,
	}); err != nil {
		return err
	}
	if m.feedback != nil {
		if err := m.feedback.SubmitFeedback(userInput, assistantOutput, positive); err != nil {
			m.log.Warn("feedback sink failed", "error", err)
		}
	}
	return nil
}

// Disconnect tears the session down: playback aborts, the transport closes,
// and the transcript and capture state are cleared. Idempotent.
func (m *Manager) Disconnect() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state.Connection == Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.state.Connection = Closing
	done := m.done
	m.mu.Unlock()

	if m.player != nil {
		m.player.Stop()
	}
	err := m.transport.Close()
	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	return err
}

// resetLocked returns the session to its initial state. Any half-streamed
// assistant Turn and the partial display text are discarded with the rest
// of the transcript.
func (m *Manager) resetLocked() {
	m.state = State{}
	m.capture.Reset()
	m.openOverlays = make(map[string]bool)
	m.done = nil
}

// dispatch executes reducer effects against the collaborators. Overlay
// opens are idempotent: a duplicate frame finds the overlay already open
// and does nothing.
func (m *Manager) dispatch(effects []Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case PlayAudio:
			if m.player == nil {
				continue
			}
			if err := m.player.Play(eff.Audio); err != nil {
				m.log.Warn("playback failed", "error", err)
			}
		case OpenOverlay:
			m.mu.Lock()
			open := m.openOverlays[eff.Name]
			m.openOverlays[eff.Name] = true
			m.mu.Unlock()
			if !open {
				m.ui.OpenOverlay(eff.Name, eff.Params)
			}
		case CloseOverlay:
			m.mu.Lock()
			delete(m.openOverlays, eff.Name)
			m.mu.Unlock()
			m.ui.CloseOverlay(eff.Name)
		case Notify:
			m.ui.Notify(eff.Severity, eff.Message)
		case InvalidateCache:
			m.ui.InvalidateCache(eff.Key)
		case Acknowledged:
			m.log.Debug("server ack", "kind", eff.Kind, "text", eff.Text)
		}
	}
}
