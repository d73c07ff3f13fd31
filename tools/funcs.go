package tools

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// DownmixFloat32 averages interleaved channels into one.
func DownmixFloat32(data []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(data))
		copy(out, data)
		return out
	}
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum float32
		for ch := range channels {
			sum += data[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// DownmixInt16 averages interleaved channels into one and scales to [-1, 1].
func DownmixInt16(data []int16, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum int32
		for ch := range channels {
			sum += int32(data[i*channels+ch])
		}
		out[i] = float32(sum) / float32(channels) / 32768
	}
	return out
}

// Float32LE packs samples as little-endian IEEE 754 floats, the audio_blob wire form.
func Float32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

var ErrOddSampleBytes = errors.New("sample bytes not a multiple of 4")

func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrOddSampleBytes
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeWAV renders mono samples as a 16-bit PCM RIFF/WAVE file.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		v := max(-1, min(1, float64(s)))
		_ = binary.Write(&buf, binary.LittleEndian, int16(math.Round(v*32767)))
	}
	return buf.Bytes()
}
