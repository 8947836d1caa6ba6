package audio

// Downmix averages the channels of each interleaved frame into one sample.
// A trailing partial frame is dropped.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += int(s)
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// ResampledLength is the output length for n input samples:
// round(n * targetRate / nativeRate), and never zero for a non-empty input.
func ResampledLength(n, nativeRate, targetRate int) int {
	if n <= 0 {
		return 0
	}
	if nativeRate <= 0 || targetRate <= 0 || nativeRate == targetRate {
		return n
	}
	num := int64(n) * int64(targetRate)
	length := int((num + int64(nativeRate)/2) / int64(nativeRate))
	if length < 1 {
		length = 1
	}
	return length
}

// Resample converts mono samples to targetRate by nearest-neighbour
// selection. It does no band limiting; aliasing is accepted for speech.
func Resample(mono []int16, nativeRate, targetRate int) []int16 {
	length := ResampledLength(len(mono), nativeRate, targetRate)
	out := make([]int16, length)
	if length == len(mono) {
		copy(out, mono)
		return out
	}

	last := len(mono) - 1
	for i := range out {
		src := int(int64(i) * int64(nativeRate) / int64(targetRate))
		if src > last {
			src = last
		}
		out[i] = mono[src]
	}
	return out
}

// Normalize downmixes interleaved samples and resamples them to targetRate.
func Normalize(samples []int16, nativeRate, targetRate, channels int) []int16 {
	return Resample(Downmix(samples, channels), nativeRate, targetRate)
}
