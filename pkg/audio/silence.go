package audio

import (
	"encoding/binary"
	"math"
)

const (
	// minDB is the level reported for an all-zero chunk.
	minDB = -60.0

	// DefaultSilenceThresholdDB is the RMS level below which a chunk is
	// treated as silence for uplink suppression.
	DefaultSilenceThresholdDB = -40.0
)

// RMSLevelDB computes the RMS level of an S16LE mono PCM chunk in dBFS,
// floored at -60 dB.
func RMSLevelDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return minDB
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms <= 0 {
		return minDB
	}
	return math.Max(20*math.Log10(rms/maxSampleValue), minDB)
}

// IsSilence reports whether the chunk's RMS level is below thresholdDB.
func IsSilence(pcm []byte, thresholdDB float64) bool {
	return RMSLevelDB(pcm) < thresholdDB
}
