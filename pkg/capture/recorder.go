package capture

import (
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/Danejw/companion-core/pkg/core"
)

// Clip is one finished voice recording, ready to ride in an audio
// envelope.
type Clip struct {
	Base64     string
	SampleRate int
	Channels   int
}

// ClipRecorder buffers raw PCM chunks from a Device and concatenates them
// into a single base64-encoded WAV clip on stop.
type ClipRecorder struct {
	state  *State
	device Device

	mu        sync.Mutex
	buf       []byte
	recording bool
}

// NewClipRecorder creates a recorder over the given device.
func NewClipRecorder(state *State, device Device) *ClipRecorder {
	return &ClipRecorder{state: state, device: device}
}

// Begin starts buffering microphone audio.
func (r *ClipRecorder) Begin() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return core.NewInvariantError("already recording")
	}
	r.recording = true
	r.buf = r.buf[:0]
	r.mu.Unlock()

	if err := r.device.Start(r.append); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return err
	}
	r.state.setRecording(true)
	return nil
}

// End stops recording and returns the encoded clip. The device stream is
// released unconditionally, even when encoding or the stop itself fails.
func (r *ClipRecorder) End() (Clip, error) {
	r.mu.Lock()
	wasRecording := r.recording
	r.recording = false
	r.mu.Unlock()

	stopErr := r.device.Stop()
	r.state.setRecording(false)

	if !wasRecording {
		return Clip{}, core.NewInvariantError("not recording")
	}

	r.mu.Lock()
	pcm := append([]byte(nil), r.buf...)
	r.buf = r.buf[:0]
	r.mu.Unlock()

	clip := Clip{
		Base64:     base64.StdEncoding.EncodeToString(encodeWAV(pcm, SampleRate, Channels)),
		SampleRate: SampleRate,
		Channels:   Channels,
	}
	return clip, stopErr
}

func (r *ClipRecorder) append(pcm []byte) {
	r.mu.Lock()
	if r.recording {
		r.buf = append(r.buf, pcm...)
	}
	r.mu.Unlock()
}

// encodeWAV wraps s16le PCM in a minimal RIFF/WAVE container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, 0, 44+len(pcm))
	u32 := func(v uint32) []byte {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return b[:]
	}
	u16 := func(v uint16) []byte {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		return b[:]
	}

	out = append(out, []byte("RIFF")...)
	out = append(out, u32(uint32(36+len(pcm)))...)
	out = append(out, []byte("WAVE")...)
	out = append(out, []byte("fmt ")...)
	out = append(out, u32(16)...)
	out = append(out, u16(1)...) // PCM
	out = append(out, u16(uint16(channels))...)
	out = append(out, u32(uint32(sampleRate))...)
	out = append(out, u32(uint32(byteRate))...)
	out = append(out, u16(uint16(blockAlign))...)
	out = append(out, u16(bitsPerSample)...)
	out = append(out, []byte("data")...)
	out = append(out, u32(uint32(len(pcm)))...)
	out = append(out, pcm...)
	return out
}
