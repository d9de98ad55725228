package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// maxSampleValue is the maximum absolute value for 16-bit signed audio.
	maxSampleValue = 32768.0
	// clipThreshold is slightly below max to catch near-clips.
	clipThreshold int16 = 32760

	// noiseFloorSNR is the SNR in dB below which a chunk is flagged noisy.
	noiseFloorSNR = 15.0
	// maxSNR caps the reported SNR so the score normalization stays bounded.
	maxSNR = 60.0
)

// QualityInfo holds per-chunk audio quality metrics.
type QualityInfo struct {
	// AverageAmplitude is the mean absolute sample value, normalized to [0,1].
	AverageAmplitude float64 `json:"average_amplitude"`
	// SignalToNoiseRatio is the estimated SNR in dB, clamped to [0, 60].
	SignalToNoiseRatio float64 `json:"signal_to_noise_ratio"`
	// ClippingPercentage is the fraction of samples at or near full scale.
	ClippingPercentage float64 `json:"clipping_percentage"`
	// QualityScore is the weighted combination of the above, in [0,1].
	QualityScore float64 `json:"quality_score"`
	// HasNoise reports whether the SNR estimate fell below the noise floor.
	HasNoise bool `json:"has_noise"`
}

// AnalyzeChunk computes quality metrics for one S16LE mono PCM chunk.
//
// The noise estimate is the residual of a 3-point moving average: tonal
// content (speech, test sines) survives the smoothing almost unchanged while
// broadband noise lands mostly in the residual.
func AnalyzeChunk(pcm []byte) QualityInfo {
	n := len(pcm) / 2
	if n == 0 {
		return QualityInfo{}
	}

	samples := make([]float64, n)
	var sumAbs, sumSquares float64
	clipped := 0
	for i := 0; i < n; i++ {
		raw := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(raw)
		samples[i] = v
		sumAbs += math.Abs(v)
		sumSquares += v * v
		if raw >= clipThreshold || raw <= -clipThreshold {
			clipped++
		}
	}

	signalPower := sumSquares / float64(n)

	var noisePower float64
	if n > 2 {
		var sum float64
		for i := 1; i < n-1; i++ {
			residual := samples[i] - (samples[i-1]+samples[i]+samples[i+1])/3
			sum += residual * residual
		}
		noisePower = sum / float64(n-2)
	}

	snr := 0.0
	if signalPower > 0 && noisePower > 0 {
		snr = 10 * math.Log10(signalPower/noisePower)
	} else if signalPower > 0 {
		snr = maxSNR
	}
	snr = math.Min(math.Max(snr, 0), maxSNR)

	info := QualityInfo{
		AverageAmplitude:   sumAbs / float64(n) / maxSampleValue,
		SignalToNoiseRatio: snr,
		ClippingPercentage: float64(clipped) / float64(n),
		HasNoise:           snr < noiseFloorSNR,
	}
	info.QualityScore = score(info)
	return info
}

// score combines the metrics: SNR carries the most weight, then clipping,
// then having a usable signal level at all.
func score(info QualityInfo) float64 {
	snrScore := info.SignalToNoiseRatio / maxSNR
	clipScore := 1 - math.Min(info.ClippingPercentage*10, 1)
	levelScore := math.Min(info.AverageAmplitude/0.1, 1)
	s := 0.4*snrScore + 0.3*clipScore + 0.3*levelScore
	return math.Min(math.Max(s, 0), 1)
}

// QualityMonitor retains a rolling window of chunk metrics and flags downward
// crossings of the warning threshold. Safe for concurrent use.
type QualityMonitor struct {
	mu        sync.Mutex
	window    []QualityInfo
	capacity  int
	threshold float64
	belowLast bool
}

// NewQualityMonitor creates a monitor keeping the most recent capacity chunks
// and warning when the score drops below threshold.
func NewQualityMonitor(capacity int, threshold float64) *QualityMonitor {
	if capacity <= 0 {
		capacity = 50
	}
	return &QualityMonitor{capacity: capacity, threshold: threshold}
}

// Observe records one chunk's metrics and reports whether this chunk crossed
// below the warning threshold.
func (m *QualityMonitor) Observe(info QualityInfo) (warn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, info)
	if len(m.window) > m.capacity {
		m.window = m.window[1:]
	}

	below := info.QualityScore < m.threshold
	warn = below && !m.belowLast
	m.belowLast = below
	return warn
}

// Average returns the mean metrics over the current window.
func (m *QualityMonitor) Average() QualityInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.window) == 0 {
		return QualityInfo{}
	}
	var avg QualityInfo
	for _, info := range m.window {
		avg.AverageAmplitude += info.AverageAmplitude
		avg.SignalToNoiseRatio += info.SignalToNoiseRatio
		avg.ClippingPercentage += info.ClippingPercentage
		avg.QualityScore += info.QualityScore
	}
	n := float64(len(m.window))
	avg.AverageAmplitude /= n
	avg.SignalToNoiseRatio /= n
	avg.ClippingPercentage /= n
	avg.QualityScore /= n
	avg.HasNoise = avg.SignalToNoiseRatio < noiseFloorSNR
	return avg
}
