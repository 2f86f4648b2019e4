package session

import (
	"bytes"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/Danejw/companion-core/pkg/core"
)

const (
	playbackSampleRate = 24000
	playbackChannels   = 1
)

// PlaybackHandle is one running clip.
type PlaybackHandle interface {
	Play()
	Close() error
}

// PlaybackBackend turns PCM bytes into a playable handle. The production
// backend is oto; tests inject a fake.
type PlaybackBackend interface {
	NewHandle(r io.Reader) (PlaybackHandle, error)
}

// Player plays assistant speech. At most one clip is active: starting a new
// one stops and releases the previous handle first, so the
// currently-speaking indicator never sees two overlapping streams.
type Player struct {
	backend PlaybackBackend

	mu      sync.Mutex
	current PlaybackHandle
}

// NewPlayer creates a player over the given backend.
func NewPlayer(backend PlaybackBackend) *Player {
	return &Player{backend: backend}
}

// Play decodes base64 speech and starts it, stopping any clip already
// playing.
func (p *Player) Play(audioB64 string) error {
	pcm, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return core.NewProtocolError("invalid audio payload: " + err.Error())
	}
	pcm = stripWAVHeader(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	handle, err := p.backend.NewHandle(bytes.NewReader(pcm))
	if err != nil {
		return core.NewCapabilityError("start playback", err)
	}
	p.current = handle
	handle.Play()
	return nil
}

// Stop aborts the active clip, if any. Safe to call repeatedly.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Player) stopLocked() {
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
}

// stripWAVHeader drops a RIFF container so raw PCM reaches the device. The
// backend sends bare PCM today; clips recorded by this client are WAV.
func stripWAVHeader(data []byte) []byte {
	if len(data) > 44 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return data[44:]
	}
	return data
}

// OtoBackend plays through the system speaker via oto.
type OtoBackend struct {
	ctx *oto.Context
}

// NewOtoBackend initializes the speaker context and waits until the device
// is ready to accept audio.
func NewOtoBackend() (*OtoBackend, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   playbackSampleRate,
		ChannelCount: playbackChannels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, core.NewCapabilityError("init speaker", err)
	}
	<-ready
	return &OtoBackend{ctx: ctx}, nil
}

func (b *OtoBackend) NewHandle(r io.Reader) (PlaybackHandle, error) {
	return otoHandle{b.ctx.NewPlayer(r)}, nil
}

type otoHandle struct {
	player *oto.Player
}

func (h otoHandle) Play() { h.player.Play() }

func (h otoHandle) Close() error { return h.player.Close() }
