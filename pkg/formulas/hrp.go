package formulas

// InverseVarianceWeights computes risk-parity weights by inverse
// variance: w_i = (1/v_i) / sum(1/v_j). Assets with lower variance get
// a higher weight. Falls back to equal weights if every variance is
// zero or invalid.
func InverseVarianceWeights(variances []float64) []float64 {
	n := len(variances)
	weights := make([]float64, n)

	var totalInvVariance float64
	for _, v := range variances {
		if v > 0 {
			totalInvVariance += 1.0 / v
		}
	}

	if totalInvVariance == 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
		return weights
	}

	for i, v := range variances {
		if v > 0 {
			weights[i] = (1.0 / v) / totalInvVariance
		}
	}
	return weights
}
