package capture

import (
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/Danejw/companion-core/pkg/core"
)

// Capture audio shape. 16kHz mono s16le matches what streaming STT
// services expect.
const (
	SampleRate = 16000
	Channels   = 1
)

// Device is a raw audio source delivering PCM chunks from the microphone.
// Stop must always release the OS-level stream, including on error paths,
// so the host's recording indicator turns off.
type Device interface {
	Start(onData func(pcm []byte)) error
	Stop() error
}

// MalgoDevice captures microphone audio through miniaudio.
type MalgoDevice struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMalgoDevice initializes the audio backend. Fails fast with a
// capability error when the host has no usable capture support.
func NewMalgoDevice() (*MalgoDevice, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, core.NewCapabilityError("audio capture is not available on this device", err)
	}
	return &MalgoDevice{ctx: ctx}, nil
}

// Start opens the capture device and begins delivering PCM chunks.
func (d *MalgoDevice) Start(onData func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return core.NewInvariantError("capture device already started")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			onData(append([]byte(nil), pInputSamples...))
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return core.NewCapabilityError("microphone is not available", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return core.NewCapabilityError("microphone could not be started", err)
	}
	d.device = device
	return nil
}

// Stop releases the capture device. Idempotent.
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil
	return err
}

// Close tears down the audio backend after the device is stopped.
func (d *MalgoDevice) Close() {
	_ = d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}
