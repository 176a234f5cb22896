package vad

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// DefaultThresholdRMS is the int16 RMS level treated as voice
	DefaultThresholdRMS = 250.0
	// FramesPerSecond sets the analysis frame length (10 ms)
	FramesPerSecond = 100

	frameEpsilon = 1e-9
)

// EnergyCorrelator keeps a per-frame voiced/unvoiced timeline of the local
// microphone, indexed by offset from capture start. Input is 16-bit little-endian
// mono PCM.
type EnergyCorrelator struct {
	mu         sync.Mutex
	frameBytes int
	threshold  float64
	frames     []bool
	pending    []byte
	stopped    bool
}

// NewEnergyCorrelator creates a correlator for the given sample rate. A threshold
// of zero or less selects DefaultThresholdRMS.
func NewEnergyCorrelator(sampleRate int, thresholdRMS float64) *EnergyCorrelator {
	if thresholdRMS <= 0 {
		thresholdRMS = DefaultThresholdRMS
	}
	samplesPerFrame := sampleRate / FramesPerSecond
	if samplesPerFrame < 1 {
		samplesPerFrame = 1
	}
	return &EnergyCorrelator{
		frameBytes: samplesPerFrame * 2,
		threshold:  thresholdRMS,
	}
}

// Feed analyses a chunk of PCM. Partial frames are carried over to the next call.
func (c *EnergyCorrelator) Feed(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || len(pcm) == 0 {
		return
	}

	data := pcm
	if len(c.pending) > 0 {
		data = append(c.pending, pcm...)
		c.pending = nil
	}

	for len(data) >= c.frameBytes {
		c.frames = append(c.frames, rms(data[:c.frameBytes]) >= c.threshold)
		data = data[c.frameBytes:]
	}
	if len(data) > 0 {
		c.pending = append([]byte(nil), data...)
	}
}

// SelfSpeechRatio returns the fraction of analysed frames within [start, end]
// that carried voice. Frames not yet analysed are left out; an empty window is 0.
func (c *EnergyCorrelator) SelfSpeechRatio(start, end float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if end <= start {
		return 0
	}
	from := int(math.Floor(start*FramesPerSecond + frameEpsilon))
	to := int(math.Ceil(end*FramesPerSecond - frameEpsilon))
	if from < 0 {
		from = 0
	}
	if to > len(c.frames) {
		to = len(c.frames)
	}
	if to <= from {
		return 0
	}

	voiced := 0
	for _, v := range c.frames[from:to] {
		if v {
			voiced++
		}
	}
	return float64(voiced) / float64(to-from)
}

// Frames returns the number of analysed frames
func (c *EnergyCorrelator) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Stop ends analysis. Ratios stay queryable; further input is ignored.
func (c *EnergyCorrelator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.pending = nil
	c.mu.Unlock()
}

func rms(frame []byte) float64 {
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(frame); i += 2 {
		v := int16(binary.LittleEndian.Uint16(frame[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(count))
}
