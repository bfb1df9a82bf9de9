package utils

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// RandSource is a seeded random stream owned by a single replicate.
// It is not safe for concurrent use; replicates never share one.
type RandSource struct {
	pcg *rand.PCG
	rng *rand.Rand
}

// NewRandSource creates a stream for the given seed on stream index 0
func NewRandSource(seed int64) *RandSource {
	return NewStream(seed, 0)
}

// NewStream creates a stream for the given seed and stream index. Two streams
// with the same seed and index produce identical sequences.
func NewStream(seed int64, stream uint64) *RandSource {
	pcg := rand.NewPCG(uint64(seed), stream)
	return &RandSource{
		pcg: pcg,
		rng: rand.New(pcg),
	}
}

// MarshalBinary captures the generator position
func (r *RandSource) MarshalBinary() ([]byte, error) {
	return r.pcg.MarshalBinary()
}

// UnmarshalBinary restores a position captured by MarshalBinary
func (r *RandSource) UnmarshalBinary(data []byte) error {
	if r.pcg == nil {
		r.pcg = &rand.PCG{}
		r.rng = rand.New(r.pcg)
	}
	if err := r.pcg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to restore random stream: %w", err)
	}
	return nil
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	return r.rng.Float64()
}

// Intn returns a random int in [0, n)
func (r *RandSource) Intn(n int) int {
	return r.rng.IntN(n)
}

// BernoulliBool returns true with probability p, false otherwise
func (r *RandSource) BernoulliBool(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.rng.Float64() < p
}

// Binomial returns the number of successes in n trials of probability p.
// Draws come from the same generator, so a replicate stays replayable.
func (r *RandSource) Binomial(n int, p float64) int {
	if n <= 0 || p <= 0 {
		return 0
	}
	if p >= 1 {
		return n
	}
	dist := distuv.Binomial{N: float64(n), P: p, Src: r.pcg}
	k := int(math.Round(dist.Rand()))
	return Clamp(k, 0, n)
}

// Geometric returns the number of trials up to and including the first
// success when the expected value is mean. Results are always >= 1.
func (r *RandSource) Geometric(mean float64) int {
	if mean <= 1 {
		return 1
	}
	p := 1 / mean
	u := 1 - r.rng.Float64() // (0, 1]
	k := 1 + int(math.Floor(math.Log(u)/math.Log1p(-p)))
	if k < 1 {
		return 1
	}
	return k
}

// Sample returns k distinct indices drawn uniformly from [0, n).
// k is clamped to [0, n].
func (r *RandSource) Sample(n, k int) []int {
	k = Clamp(k, 0, n)
	if k == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	// partial Fisher-Yates: the first k slots hold the sample
	for i := 0; i < k; i++ {
		j := i + r.rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}
