package capture

import "math"

// spectrumWindow is how many PCM samples feed one spectrum snapshot.
const spectrumWindow = 2048

// computeSpectrum reduces a PCM16 window to `size` frequency-band energies
// in [0,1]. A plain Goertzel pass per band is plenty at this cadence; the
// analyzer only wants coarse energy, not a proper FFT.
func computeSpectrum(samples []int16, sampleRate, size int) []float64 {
	spectrum := make([]float64, size)
	if len(samples) == 0 || sampleRate <= 0 {
		return spectrum
	}
	if len(samples) > spectrumWindow {
		samples = samples[len(samples)-spectrumWindow:]
	}

	n := float64(len(samples))
	nyquist := float64(sampleRate) / 2
	for band := 0; band < size; band++ {
		// Band center frequencies spread linearly up to Nyquist.
		freq := nyquist * (float64(band) + 0.5) / float64(size)
		k := freq / float64(sampleRate)
		w := 2 * math.Pi * k
		coeff := 2 * math.Cos(w)

		var s0, s1, s2 float64
		for _, sample := range samples {
			s0 = float64(sample)/32768 + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		power := s1*s1 + s2*s2 - coeff*s1*s2
		spectrum[band] = math.Min(1, math.Sqrt(power)/n*4)
	}
	return spectrum
}
