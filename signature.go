package imgdb

// Package-wide constants describing the fixed shape of a signature and the
// bucket space it is scattered into.
const (
	NumPixels   = 128
	NumCoefs    = 40
	NumChannels = 3
	NumSigns    = 2

	// NumBuckets is the total number of (channel, sign, coefficient-index)
	// buckets: NumChannels * NumSigns * (NumPixels*NumPixels - 1).
	NumBuckets = NumChannels * NumSigns * (NumPixels*NumPixels - 1)

	// grayscaleThreshold is the hard-coded cutoff below which channels 1
	// and 2 are skipped for both insertion and scoring. Left as a literal
	// float, independent of Score's fixed-point scale: it is applied to the
	// float averages on insertion and for the query signature, while stored
	// images are tested against their quantized averages at query time.
	grayscaleThreshold = 0.006
)

// Signature is the fixed-size fingerprint of one image: three per-channel
// sparse coefficient vectors plus a 3-component average luminance. It is
// immutable once constructed and handed to a DbSpace.
type Signature struct {
	ID     uint64
	Width  int32
	Height int32
	AvgLF  [NumChannels]float64
	// Sig holds, per channel, the signed positional index of the 40
	// largest-magnitude non-DC coefficients retained for that channel.
	// The set is unordered; order within a channel carries no meaning.
	Sig [NumChannels][NumCoefs]int16
}

// IsGrayscale reports whether channels 1 and 2 should be skipped for
// insertion and scoring, per the grayscale gate invariant.
func (s *Signature) IsGrayscale() bool {
	return isGrayscaleAvgl(s.AvgLF)
}

func isGrayscaleAvgl(avglf [NumChannels]float64) bool {
	return absf(avglf[1])+absf(avglf[2]) < grayscaleThreshold
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// bucketSignAndMagnitude maps a signed coefficient index to its (sign, magnitude)
// bucket coordinates within one channel's half of the bucket space.
func bucketSignAndMagnitude(k int16) (sign int, mag int) {
	if k < 0 {
		return 1, int(-k)
	}
	return 0, int(k)
}

// canonicalBucket returns the flat bucket number for (channel, sign, mag) in
// the canonical on-disk ordering used by the serializer: channel-major,
// then sign, then magnitude (1..NumPixels*NumPixels-1).
func canonicalBucket(channel, sign, mag int) int {
	perChannel := NumSigns * (NumPixels*NumPixels - 1)
	return channel*perChannel + sign*(NumPixels*NumPixels-1) + (mag - 1)
}
