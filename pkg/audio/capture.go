package audio

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/duetline/duetline/pkg/orchestrator"
)

// framesQueueCap bounds the capture frame queue so a slow consumer drops
// frames instead of blocking the device callback.
const framesQueueCap = 64

// Config configures the duplex audio device.
type Config struct {
	SampleRate      int
	Channels        int
	FrameDurationMs int
	MaxOpenAttempts int
}

// Capture wraps a full-duplex malgo.Device: it delivers captured frames on
// a bounded channel and, when paired with a Playback, drains its queue into
// the same device's output side.
type Capture struct {
	mctx     *malgo.AllocatedContext
	device   *malgo.Device
	logger   orchestrator.Logger
	frames   chan AudioFrame
	playback *Playback

	closeOnce sync.Once
}

// NewCapture opens the duplex device, retrying with capped exponential
// backoff up to cfg.MaxOpenAttempts times. playback may be nil if the
// caller only needs capture (e.g. tests); its output is silence in that
// case. On exhaustion it returns an *orchestrator.AudioDeviceError.
func NewCapture(ctx context.Context, cfg Config, playback *Playback, logger orchestrator.Logger) (*Capture, error) {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	maxAttempts := cfg.MaxOpenAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &orchestrator.AudioDeviceError{Attempts: 1, Cause: err}
	}

	c := &Capture{
		mctx:     mctx,
		logger:   logger,
		frames:   make(chan AudioFrame, framesQueueCap),
		playback: playback,
	}

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			data := make([]byte, len(pInput))
			copy(data, pInput)
			frame := AudioFrame{Data: data, SampleRate: sampleRate, Timestamp: time.Now()}
			select {
			case c.frames <- frame:
			default:
				// consumer fell behind; drop rather than block the device callback
			}
		}
		if pOutput != nil {
			if c.playback != nil {
				c.playback.fill(pOutput)
			} else {
				for i := range pOutput {
					pOutput[i] = 0
				}
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	retryCfg := orchestrator.RetryConfig{MaxAttempts: maxAttempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	var device *malgo.Device
	openErr := orchestrator.WithRetry(ctx, retryCfg, func() error {
		d, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
		if err != nil {
			logger.Warn("audio device open failed, retrying", "error", err)
			return err
		}
		device = d
		return nil
	})
	if openErr != nil {
		mctx.Uninit()
		return nil, &orchestrator.AudioDeviceError{Attempts: maxAttempts, Cause: openErr}
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, &orchestrator.AudioDeviceError{Attempts: maxAttempts, Cause: err}
	}

	c.device = device
	return c, nil
}

// Frames returns the channel of captured AudioFrames.
func (c *Capture) Frames() <-chan AudioFrame {
	return c.frames
}

// Close stops and releases the device. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		if c.device != nil {
			c.device.Uninit()
		}
		if c.mctx != nil {
			c.mctx.Uninit()
		}
		close(c.frames)
	})
	return nil
}
