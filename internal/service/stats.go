package service

import (
	"math"
	"sort"
)

// PassRate 批量回归通过率及 Wilson 95% 置信区间
type PassRate struct {
	N        int     `json:"n"`
	Passed   int     `json:"passed"`
	Rate     float64 `json:"rate"`
	CI95Low  float64 `json:"ci95_low"`
	CI95High float64 `json:"ci95_high"`
}

func computePassRate(passed, n int) PassRate {
	pr := PassRate{N: n, Passed: passed}
	if n > 0 {
		pr.Rate = float64(passed) / float64(n)
		pr.CI95Low, pr.CI95High = wilsonCI(passed, n, 1.96)
	}
	return pr
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
