package media

import (
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const (
	DefaultAudioFrameInterval = 20 * time.Millisecond
	DefaultVideoFrameInterval = time.Second / 30
)

// SyntheticDevice produces silent audio and placeholder video frames. It is
// the capture backend for headless peers.
type SyntheticDevice struct {
	AudioInterval time.Duration
	VideoInterval time.Duration
	// VideoFrame is written on every video tick. Defaults to a short opaque
	// payload; receivers are not expected to decode it.
	VideoFrame []byte
}

func (d SyntheticDevice) Start(c Constraints, audio, video Sink) (Capture, error) {
	if !c.Audio && !c.Video {
		return nil, ErrDeviceUnavailable
	}
	audioInterval := d.AudioInterval
	if audioInterval <= 0 {
		audioInterval = DefaultAudioFrameInterval
	}
	videoInterval := d.VideoInterval
	if videoInterval <= 0 {
		videoInterval = DefaultVideoFrameInterval
	}
	frame := d.VideoFrame
	if len(frame) == 0 {
		frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	}

	capture := &syntheticCapture{done: make(chan struct{})}
	if c.Audio && audio != nil {
		capture.wg.Add(1)
		go capture.pump(audio, opusSilence, audioInterval)
	}
	if c.Video && video != nil {
		capture.wg.Add(1)
		go capture.pump(video, frame, videoInterval)
	}
	return capture, nil
}

type syntheticCapture struct {
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (c *syntheticCapture) pump(sink Sink, data []byte, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// Write errors mean no peer connection is bound yet or it has
			// closed; capture keeps running until stopped.
			_ = sink.WriteSample(pionmedia.Sample{Data: data, Duration: interval})
		}
	}
}

func (c *syntheticCapture) Stop() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// FailingDevice refuses every capture with Err, e.g. ErrPermissionDenied.
type FailingDevice struct {
	Err error
}

func (d FailingDevice) Start(Constraints, Sink, Sink) (Capture, error) {
	if d.Err == nil {
		return nil, ErrDeviceUnavailable
	}
	return nil, d.Err
}
