package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Danejw/companion-core/pkg/capture"
	"github.com/Danejw/companion-core/pkg/protocol"
	"github.com/Danejw/companion-core/pkg/transport"
)

// fakeStrategy is an in-memory transport for session tests.
type fakeStrategy struct {
	mu         sync.Mutex
	sent       []protocol.Outbound
	frames     chan json.RawMessage
	connectErr error
	sendErr    error
	termErr    error
	closed     bool
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{frames: make(chan json.RawMessage, 32)}
}

func (f *fakeStrategy) Connect(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	// Like the real strategies, a new connection gets a fresh frame channel.
	if f.closed {
		f.frames = make(chan json.RawMessage, 32)
		f.closed = false
	}
	return nil
}

func (f *fakeStrategy) Send(out protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeStrategy) Frames() <-chan json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeStrategy) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeStrategy) Err() error { return f.termErr }

func (f *fakeStrategy) sentFrames() []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Outbound(nil), f.sent...)
}

// push delivers a server frame as wire JSON.
func (f *fakeStrategy) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	frames := f.frames
	f.mu.Unlock()
	frames <- data
}

// recordingUI captures collaborator calls.
type recordingUI struct {
	mu       sync.Mutex
	notices  []string
	overlays []string
	closes   []string
	caches   []string
}

func (u *recordingUI) Notify(severity, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notices = append(u.notices, severity+":"+message)
}

func (u *recordingUI) OpenOverlay(name string, _ map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.overlays = append(u.overlays, name)
}

func (u *recordingUI) CloseOverlay(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closes = append(u.closes, name)
}

func (u *recordingUI) InvalidateCache(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.caches = append(u.caches, key)
}

func (u *recordingUI) noticeCount(entry string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, notice := range u.notices {
		if notice == entry {
			n++
		}
	}
	return n
}

func (u *recordingUI) openCount(name string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, o := range u.overlays {
		if o == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func connectedManager(t *testing.T, strategy *fakeStrategy, opts Options) *Manager {
	t.Helper()
	m := NewManager(strategy, opts)
	if err := m.Connect(context.Background(), "ws://companion.test/live", "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func frameTypes(frames []protocol.Outbound) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			types[i] = "encode error"
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &envelope)
		types[i] = envelope.Type
	}
	return types
}

func TestConnectSendsContextFramesOnce(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	connectedManager(t, strategy, Options{})

	got := frameTypes(strategy.sentFrames())
	want := []string{"time", "personality", "local_lingo"}
	if len(got) != len(want) {
		t.Fatalf("context frames=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("context frames=%v, want %v", got, want)
		}
	}
}

func TestConnectIncludesGPSWhenKnown(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	connectedManager(t, strategy, Options{
		Context: Context{
			GPS: &GPSFix{
				Coords:    protocol.Coordinates{Latitude: 21.3, Longitude: -157.8},
				Timestamp: 1700000000000,
			},
		},
	})

	got := frameTypes(strategy.sentFrames())
	if len(got) != 4 || got[0] != "gps" {
		t.Fatalf("context frames=%v, want gps first of 4", got)
	}
}

func TestSendUserTurn_TextOnly(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})
	contextFrames := len(strategy.sentFrames())

	if err := m.SendUserTurn(UserInput{Text: "Hello"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}

	got := frameTypes(strategy.sentFrames()[contextFrames:])
	if len(got) != 2 || got[0] != "text" || got[1] != "orchestrate" {
		t.Fatalf("frames=%v, want [text orchestrate]", got)
	}

	state := m.State()
	if state.Response != AwaitingResponse {
		t.Fatalf("response=%v, want AwaitingResponse", state.Response)
	}
	last, ok := state.LastTurn()
	if !ok || last.Speaker != SpeakerUser || last.Content != "Hello" {
		t.Fatalf("last turn=%+v", last)
	}
}

func TestSendUserTurn_VoiceWithImages(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	capState := capture.NewState()
	capState.AddImage(capture.Image{ID: "a", Format: "jpeg", Data: "AAA="})
	capState.AddImage(capture.Image{ID: "b", Format: "jpeg", Data: "BBB="})

	m := connectedManager(t, strategy, Options{Capture: capState, Context: Context{Voice: "kokoro"}})
	contextFrames := len(strategy.sentFrames())

	clip := &capture.Clip{Base64: "UklGRg=="}
	if err := m.SendUserTurn(UserInput{Text: "what is this", Clip: clip}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}

	frames := strategy.sentFrames()[contextFrames:]
	got := frameTypes(frames)
	if len(got) != 3 || got[0] != "audio" || got[1] != "image" || got[2] != "orchestrate" {
		t.Fatalf("frames=%v, want [audio image orchestrate]", got)
	}

	audio := frames[0].(protocol.Audio)
	if audio.Audio != "UklGRg==" || audio.Voice != "kokoro" {
		t.Fatalf("audio frame=%+v", audio)
	}
	img := frames[1].(protocol.Image)
	if len(img.Data) != 2 || img.Format != "jpeg" || img.Input != "what is this" {
		t.Fatalf("image frame=%+v", img)
	}
	orch := frames[2].(protocol.Orchestrate)
	if orch.UserInput != "what is this" {
		t.Fatalf("orchestrate frame=%+v", orch)
	}

	if got := len(capState.Images()); got != 0 {
		t.Fatalf("images after send=%d, want 0", got)
	}
}

func TestSendUserTurn_RejectedWhileResponseInFlight(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})

	if err := m.SendUserTurn(UserInput{Text: "first"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	before := len(strategy.sentFrames())

	if err := m.SendUserTurn(UserInput{Text: "second"}); err == nil {
		t.Fatal("pipelined send succeeded, want rejection")
	}
	if got := len(strategy.sentFrames()); got != before {
		t.Fatalf("frames emitted by rejected send: %d", got-before)
	}
	if got := len(m.State().Transcript); got != 1 {
		t.Fatalf("transcript length=%d, want 1", got)
	}
}

func TestReceiveLoop_FinalLandsInTranscript(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})

	if err := m.SendUserTurn(UserInput{Text: "Hello"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	strategy.push(t, map[string]string{"type": "ai_transcript", "text": "Hi th"})
	strategy.push(t, map[string]string{"type": "ai_response", "text": "Hi there"})

	waitFor(t, func() bool { return m.State().Response == Idle && len(m.State().Transcript) == 2 })
	state := m.State()
	if got := state.Transcript[1].Content; got != "Hi there" {
		t.Fatalf("assistant turn=%q", got)
	}
	if state.Partial != "" {
		t.Fatalf("partial=%q after final", state.Partial)
	}
}

func TestNoCreditsOverlayOpensExactlyOnce(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	ui := &recordingUI{}
	m := connectedManager(t, strategy, Options{UI: ui})

	if err := m.SendUserTurn(UserInput{Text: "one more"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	// Duplicate error frames must not double-stack the overlay.
	strategy.push(t, map[string]string{"type": "error", "text": "NO_CREDITS"})
	strategy.push(t, map[string]string{"type": "error", "text": "NO_CREDITS"})

	waitFor(t, func() bool { return m.State().Response == Idle })
	waitFor(t, func() bool { return ui.openCount(OverlayCredits) == 1 })

	// Give the second frame time to misbehave, then re-check.
	time.Sleep(50 * time.Millisecond)
	if got := ui.openCount(OverlayCredits); got != 1 {
		t.Fatalf("credits overlay opened %d times, want 1", got)
	}
}

func TestUnknownFrameIgnored(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})

	if err := m.SendUserTurn(UserInput{Text: "hi"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	strategy.push(t, map[string]any{"type": "unknown_future_type", "foo": 1})
	strategy.push(t, map[string]string{"type": "ai_response", "text": "still here"})

	waitFor(t, func() bool { return len(m.State().Transcript) == 2 })
	if got := m.State().Response; got != Idle {
		t.Fatalf("response=%v, want Idle", got)
	}
}

func TestDisconnectDuringStreamingDiscardsPartial(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	backend := &fakePlaybackBackend{}
	m := connectedManager(t, strategy, Options{Player: NewPlayer(backend)})

	if err := m.SendUserTurn(UserInput{Text: "talk to me"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	strategy.push(t, map[string]string{"type": "ai_transcript", "text": "well"})
	waitFor(t, func() bool { return m.State().Response == StreamingResponse })

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	state := m.State()
	if state.Connection != Disconnected || state.Response != Idle {
		t.Fatalf("state=%+v after disconnect", state)
	}
	if len(state.Transcript) != 0 || state.Partial != "" {
		t.Fatalf("transcript=%v partial=%q, want cleared", state.Transcript, state.Partial)
	}
}

func TestSubmitFeedbackOncePerTurn(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	sink := &recordingFeedback{}
	m := connectedManager(t, strategy, Options{Feedback: sink})

	if err := m.SendUserTurn(UserInput{Text: "tell me a joke"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	strategy.push(t, map[string]string{"type": "ai_response", "text": "knock knock"})
	waitFor(t, func() bool { return len(m.State().Transcript) == 2 })

	if err := m.SubmitFeedback(true); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	frames := strategy.sentFrames()
	fb, ok := frames[len(frames)-1].(protocol.Feedback)
	if !ok || !fb.FeedbackType {
		t.Fatalf("last frame=%+v, want positive feedback", frames[len(frames)-1])
	}
	if sink.user != "tell me a joke" || sink.assistant != "knock knock" {
		t.Fatalf("sink pair=(%q, %q)", sink.user, sink.assistant)
	}

	if err := m.SubmitFeedback(false); err == nil {
		t.Fatal("second feedback accepted, want rejection")
	}
}

func TestSubmitFeedbackWithoutReply(t *testing.T) {
	t.Parallel()
	m := connectedManager(t, newFakeStrategy(), Options{})
	if err := m.SubmitFeedback(true); err == nil {
		t.Fatal("feedback with empty transcript accepted")
	}
}

func TestUpdateContextResendsChangedFrames(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})
	before := len(strategy.sentFrames())

	next := Context{
		Personality: Personality{Empathy: 4, Directness: 2, Warmth: 5, Challenge: 1},
		LocalLingo:  true,
	}
	if err := m.UpdateContext(next); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}

	got := frameTypes(strategy.sentFrames()[before:])
	if len(got) != 2 || got[0] != "personality" || got[1] != "local_lingo" {
		t.Fatalf("frames=%v, want [personality local_lingo]", got)
	}

	// Same configuration again: nothing to re-send.
	before = len(strategy.sentFrames())
	if err := m.UpdateContext(next); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	if got := len(strategy.sentFrames()); got != before {
		t.Fatalf("unchanged context re-sent %d frames", got-before)
	}
}

func TestUpdateContextRejectsOutOfRangeSliders(t *testing.T) {
	t.Parallel()
	m := NewManager(newFakeStrategy(), Options{})
	if err := m.UpdateContext(Context{Personality: Personality{Empathy: 6}}); err == nil {
		t.Fatal("out-of-range slider accepted")
	}
}

type recordingFeedback struct {
	user      string
	assistant string
	positive  bool
}

func (r *recordingFeedback) SubmitFeedback(userInput, assistantOutput string, positive bool) error {
	r.user = userInput
	r.assistant = assistantOutput
	r.positive = positive
	return nil
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	ui := &recordingUI{}
	m := connectedManager(t, strategy, Options{UI: ui})

	// Server-side drop: the frame channel closes under the session.
	strategy.Close()
	waitFor(t, func() bool { return m.State().Connection == Disconnected })

	if err := m.Connect(context.Background(), "ws://companion.test/live", "tok"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := m.SendUserTurn(UserInput{Text: "back again"}); err != nil {
		t.Fatalf("SendUserTurn after reconnect: %v", err)
	}
	strategy.push(t, map[string]string{"type": "ai_response", "text": "welcome back"})
	waitFor(t, func() bool { return len(m.State().Transcript) == 2 })
}

// gatedCloseStrategy holds Close open until released, so tests can observe
// the session mid-teardown.
type gatedCloseStrategy struct {
	*fakeStrategy
	enterOnce    sync.Once
	closeEntered chan struct{}
	closeRelease chan struct{}
}

func newGatedCloseStrategy() *gatedCloseStrategy {
	return &gatedCloseStrategy{
		fakeStrategy: newFakeStrategy(),
		closeEntered: make(chan struct{}),
		closeRelease: make(chan struct{}),
	}
}

func (g *gatedCloseStrategy) Close() error {
	g.enterOnce.Do(func() { close(g.closeEntered) })
	<-g.closeRelease
	return g.fakeStrategy.Close()
}

func TestConnectDuringTeardownWaitsForClose(t *testing.T) {
	t.Parallel()
	strategy := newGatedCloseStrategy()
	m := NewManager(strategy, Options{})
	if err := m.Connect(context.Background(), "ws://companion.test/live", "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		m.Disconnect()
	}()
	<-strategy.closeEntered
	if got := m.State().Connection; got != Closing {
		t.Fatalf("state=%v during teardown, want Closing", got)
	}

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- m.Connect(context.Background(), "ws://companion.test/live", "tok")
	}()

	// The connect must wait out the teardown rather than fail.
	select {
	case err := <-connectErr:
		t.Fatalf("Connect returned %v before teardown finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(strategy.closeRelease)
	<-disconnected
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect after teardown: %v", err)
	}
	if got := m.State().Connection; got != Connected {
		t.Fatalf("state=%v after reconnect, want Connected", got)
	}
	m.Disconnect()
}

func TestUpdateContextGPSComparedByValue(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	fix := func() *GPSFix {
		accuracy := 5.0
		return &GPSFix{
			Coords: protocol.Coordinates{
				Latitude:  21.3,
				Longitude: -157.8,
				Accuracy:  &accuracy,
			},
			Timestamp: 1700000000000,
		}
	}
	m := connectedManager(t, strategy, Options{Context: Context{GPS: fix()}})
	before := len(strategy.sentFrames())

	// A fresh fix holding the same values must not count as a change.
	if err := m.UpdateContext(Context{GPS: fix()}); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	if got := len(strategy.sentFrames()); got != before {
		t.Fatalf("value-identical gps re-sent %d frames", got-before)
	}

	moved := fix()
	moved.Coords.Latitude = 21.4
	if err := m.UpdateContext(Context{GPS: moved}); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	got := frameTypes(strategy.sentFrames()[before:])
	if len(got) != 1 || got[0] != "gps" {
		t.Fatalf("frames=%v, want [gps]", got)
	}
}

func TestSendUserTurnRollsBackOnSendFailure(t *testing.T) {
	t.Parallel()
	strategy := newFakeStrategy()
	m := connectedManager(t, strategy, Options{})

	strategy.mu.Lock()
	strategy.sendErr = errors.New("wire down")
	strategy.mu.Unlock()

	if err := m.SendUserTurn(UserInput{Text: "lost"}); err == nil {
		t.Fatal("send over broken wire succeeded")
	}
	state := m.State()
	if len(state.Transcript) != 0 {
		t.Fatalf("transcript=%v after failed send, want empty", state.Transcript)
	}
	if state.Response != Idle {
		t.Fatalf("response=%v after failed send, want Idle", state.Response)
	}

	strategy.mu.Lock()
	strategy.sendErr = nil
	strategy.mu.Unlock()
	if err := m.SendUserTurn(UserInput{Text: "retry"}); err != nil {
		t.Fatalf("SendUserTurn after recovery: %v", err)
	}
}

func TestSendUserTurnDrainsLargePollResponse(t *testing.T) {
	t.Parallel()

	// One turn can come back with more frames than the polling transport
	// buffers; the receive loop must be free to drain them while the send
	// is still in flight.
	const floodSize = 300
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(body, &envelope)
		if envelope.Type != "text" {
			fmt.Fprint(w, "[]")
			return
		}
		frames := make([]string, floodSize)
		for i := range frames {
			frames[i] = `{"type":"info","text":"tick"}`
		}
		fmt.Fprint(w, "["+strings.Join(frames, ",")+"]")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ui := &recordingUI{}
	m := NewManager(transport.NewPolling(server.Client(), nil, nil), Options{UI: ui})
	if err := m.Connect(context.Background(), server.URL, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { m.Disconnect() })

	if err := m.SendUserTurn(UserInput{Text: "flood me"}); err != nil {
		t.Fatalf("SendUserTurn: %v", err)
	}
	waitFor(t, func() bool { return ui.noticeCount("info:tick") == floodSize })
}
