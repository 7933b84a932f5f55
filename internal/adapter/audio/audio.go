// Package audio implements the G.711 mu-law codec and sample-rate
// conversion used on the carrier media path. The carrier leg is 8kHz
// mu-law; the speech service produces 16-bit PCM at 24kHz.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawToLinearTable is a pre-computed lookup table for mu-law to 16-bit signed PCM.
var mulawToLinearTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinearTable[i] = decodeMulaw(byte(i))
	}
}

// decodeMulaw converts a single mu-law byte to a 16-bit signed PCM sample.
func decodeMulaw(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := mulaw & 0x80
	exponent := uint(mulaw>>4) & 0x07
	mantissa := int32(mulaw & 0x0F)
	sample := ((mantissa<<3 | mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// LinearToMulaw converts a 16-bit signed PCM sample to a mu-law byte.
// Arithmetic is done in 32 bits so that -32768 encodes correctly.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := 0
	if s < 0 {
		sign = 0x80
		s = -s
	}

	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Find the exponent (segment).
	exponent := 7
	expMask := int32(0x4000)
	for i := 0; i < 8; i++ {
		if s&expMask != 0 {
			break
		}
		exponent--
		expMask >>= 1
	}

	mantissa := int((s >> uint(exponent+3)) & 0x0F)

	return byte(^(sign | (exponent << 4) | mantissa))
}

// MulawToLinear converts a single mu-law byte to a 16-bit signed PCM sample
// using the pre-computed lookup table.
func MulawToLinear(mulaw byte) int16 {
	return mulawToLinearTable[mulaw]
}

// MulawBufToLinear converts a buffer of mu-law bytes to 16-bit signed PCM (little-endian).
func MulawBufToLinear(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinearTable[b]
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// LinearBufToMulaw converts a buffer of 16-bit signed PCM (little-endian) to
// mu-law. Output length is half the input length.
func LinearBufToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		mulaw[i] = LinearToMulaw(sample)
	}
	return mulaw
}

// Resample24kTo8k downsamples 16-bit little-endian PCM from 24kHz to 8kHz by
// 3:1 decimation, keeping sample 3*i. No anti-alias filter is applied; for
// narrowband speech the aliasing is inaudible on a phone line.
func Resample24kTo8k(pcm24k []byte) []byte {
	samplesOut := len(pcm24k) / 2 / 3
	if samplesOut == 0 {
		return nil
	}

	out := make([]byte, samplesOut*2)
	for i := 0; i < samplesOut; i++ {
		src := i * 3 * 2
		out[i*2] = pcm24k[src]
		out[i*2+1] = pcm24k[src+1]
	}
	return out
}
