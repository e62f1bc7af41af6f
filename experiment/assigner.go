package experiment

import "hash/fnv"

// AssignVariant deterministically buckets a subject into one of the
// experiment's variants according to the traffic split. It is a pure function:
// the same subject and experiment always land on the same variant, with no
// state and no randomness beyond the stable hash of subject||experiment.
//
// The hash maps to [0,1); variants are walked in their fixed declaration order
// accumulating split weights, and the first variant whose cumulative boundary
// exceeds the hashed value wins. The last variant always catches the residual
// left by floating-point rounding.
func AssignVariant(subjectID, experimentID string, variants []string, trafficSplit map[string]float64) string {
	if len(variants) == 0 {
		return ""
	}

	bucket := hashToUnit(subjectID, experimentID)

	cumulative := 0.0
	for _, variant := range variants {
		cumulative += trafficSplit[variant]
		if bucket < cumulative {
			return variant
		}
	}

	// Rounding residue lands on the last variant
	return variants[len(variants)-1]
}

// hashToUnit hashes subject and experiment ids to a value in [0,1).
func hashToUnit(subjectID, experimentID string) float64 {
	h := fnv.New64a()
	h.Write([]byte(subjectID))
	h.Write([]byte(":"))
	h.Write([]byte(experimentID))
	return float64(h.Sum64()) / float64(1<<63) / 2.0
}

// UniformSplit returns an equal-weight traffic split over the variants.
func UniformSplit(variants []string) map[string]float64 {
	split := make(map[string]float64, len(variants))
	if len(variants) == 0 {
		return split
	}
	weight := 1.0 / float64(len(variants))
	for _, v := range variants {
		split[v] = weight
	}
	return split
}
