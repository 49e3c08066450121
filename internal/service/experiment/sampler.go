package experiment

import "github.com/ignite/broadcast-lab/internal/domain"

// SamplePilot selects the pilot subset of a resolved audience: the first
// floor(len(audience) * ratio) members in resolver order. Sampling is
// positional rather than hash-bucketed, so the same resolver ordering
// always reproduces the same pilot.
func SamplePilot(audience []domain.AudienceMember, ratio float64) []domain.AudienceMember {
	if len(audience) == 0 {
		return nil
	}
	if ratio <= 0 {
		ratio = domain.DefaultSampleRatio
	}
	if ratio > 1 {
		ratio = 1
	}
	// int() truncates the float64 product, which can land one below the
	// exact floor(N*ratio) when the product rounds just under an integer
	// (100 * 0.29 → 28.999… → 28). Recipients that never got a message
	// stay in the drip pool, so the pilot errs small on purpose.
	n := int(float64(len(audience)) * ratio)
	if n > len(audience) {
		n = len(audience)
	}
	return audience[:n]
}

// VariantIndexFor maps a pilot position to a variant slot by index parity:
// even positions get the first variant, odd positions the second. This
// guarantees a ceil/floor 50/50 split regardless of audience composition.
func VariantIndexFor(position int) int {
	return position % 2
}
