package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bt-bridge/lingocall/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded window of mono samples. Writes past capacity drop
// the oldest samples.
type AudioBuffer struct {
	mu     sync.Mutex
	buffer []float32
	cap    int
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	if fixedCap < 1 {
		fixedCap = 1
	}
	return &AudioBuffer{
		buffer: make([]float32, 0, fixedCap),
		cap:    fixedCap,
	}
}

func (ab *AudioBuffer) Write(data []float32) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if len(data) >= ab.cap {
		dropped = len(ab.buffer) + len(data) - ab.cap
		ab.buffer = append(ab.buffer[:0], data[len(data)-ab.cap:]...)
		return dropped
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		n := copy(ab.buffer, ab.buffer[over:])
		ab.buffer = ab.buffer[:n]
		dropped = over
	}
	ab.buffer = append(ab.buffer, data...)
	return dropped
}

// TakeAll returns a copy of the window and empties it.
func (ab *AudioBuffer) TakeAll() []float32 {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if len(ab.buffer) == 0 {
		return nil
	}
	out := make([]float32, len(ab.buffer))
	copy(out, ab.buffer)
	ab.buffer = ab.buffer[:0]
	return out
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Reset() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.buffer = ab.buffer[:0]
}

// StreamCaptionAudio reads raw PCM from a local capture track, downmixes it to
// mono float32 and hands every chunk to sink. It returns nil on ctx cancel or
// end of stream.
func StreamCaptionAudio(ctx context.Context, logger shared.LoggerAdapter, track *mediadevices.AudioTrack, sink func(samples []float32)) error {
	reader := track.NewReader(false)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		chunk, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading audio track: %w", err)
		}
		samples, ok := monoSamples(chunk)
		release()
		if !ok {
			logger.Warn("unsupported audio chunk format", zap.String("type", fmt.Sprintf("%T", chunk)))
			continue
		}
		if len(samples) == 0 {
			continue
		}
		sink(samples)
	}
}

func monoSamples(chunk wave.Audio) ([]float32, bool) {
	switch a := chunk.(type) {
	case *wave.Float32Interleaved:
		info := a.ChunkInfo()
		return DownmixFloat32(a.Data, info.Channels), true
	case *wave.Int16Interleaved:
		info := a.ChunkInfo()
		return DownmixInt16(a.Data, info.Channels), true
	default:
		return nil, false
	}
}
