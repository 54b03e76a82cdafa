package audiobridge

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the size of one float32 sample on the decode pipe.
const BytesPerSample = 4

// DecodeFloat32LE converts little-endian float32 PCM to samples. NaN and
// infinities become 0. Trailing bytes that do not form a whole sample are
// ignored.
func DecodeFloat32LE(b []byte) []float32 {
	out := make([]float32, len(b)/BytesPerSample)
	decodeInto(out, b)
	return out
}

func decodeInto(dst []float32, b []byte) {
	for i := range dst {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[i*BytesPerSample:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			v = 0
		}
		dst[i] = v
	}
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*BytesPerSample:], math.Float32bits(s))
	}
	return out
}

// toInt16 scales a normalized sample by gain and clips it to 16 bits.
func toInt16(s, gain float32) int16 {
	v := s * gain
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * math.MaxInt16)
}

// PutInt16LE writes samples scaled by gain as 16-bit little-endian PCM into
// out, which must hold 2*len(samples) bytes.
func PutInt16LE(out []byte, samples []float32, gain float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s, gain)))
	}
}
