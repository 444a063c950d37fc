package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Mask restricts which token ids may be sampled. A nil Mask allows all.
type Mask interface {
	Contains(id int) bool
}

// SamplerConfig configures the behaviour of a Sampler.
//
// TopK <= 0, TopP >= 1 and MinP <= 0 each disable their truncation step.
// Temperature <= 0 selects greedy decoding. A negative Seed picks a
// time-based seed.
type SamplerConfig struct {
	Seed             int64
	Temperature      float32
	TopK             int
	TopP             float32
	MinP             float32
	RepeatPenalty    float32
	RepeatLastN      int
	PresencePenalty  float32
	FrequencyPenalty float32
}

type candidate struct {
	id  int
	val float32
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	seed   int64
	greedy bool

	work      []float32
	cands     []candidate
	prob      []float64
	seenMark  []uint32
	seenCount []int32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(seed)),
		cfg:    cfg,
		seed:   seed,
		greedy: greedy,
	}
}

// Config returns the normalized configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Reset rewinds the random source to its initial seed.
func (s *Sampler) Reset() {
	s.rng = rand.New(rand.NewSource(s.seed))
}

// Sample draws a single token id from logits. The caller's slice is not
// modified. The process is:
//
//  1. Apply repeat, presence and frequency penalties over the last
//     RepeatLastN entries of recent.
//  2. Greedy decoding returns the highest masked logit.
//  3. Otherwise logits are scaled by the inverse temperature, truncated to
//     the TopK largest, converted to probabilities, then filtered by MinP
//     and cut at cumulative TopP.
//  4. Candidates outside mask are dropped and the remainder renormalized
//     before one draw from the seeded source.
//
// If step 4 leaves nothing, the highest penalized logit inside mask is
// returned and fallback is true. Ties go to the lowest id. The result is
// always inside mask.
func (s *Sampler) Sample(logits []float32, mask Mask, recent []int) (token int, fallback bool) {
	work := s.penalize(logits, recent)

	if s.greedy {
		return maskedArgmax(work, mask), false
	}

	invTemp := 1 / s.cfg.Temperature
	cands := s.cands[:0]
	for i, l := range work {
		if math.IsInf(float64(l), -1) || math.IsNaN(float64(l)) {
			continue
		}
		cands = append(cands, candidate{id: i, val: l * invTemp})
	}
	s.cands = cands
	if len(cands) == 0 {
		return maskedArgmax(work, mask), true
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.val, a.val); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if k := s.cfg.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}

	if cap(s.prob) < len(cands) {
		s.prob = make([]float64, len(cands))
	}
	prob := s.prob[:len(cands)]
	maxv := float64(cands[0].val)
	for i, c := range cands {
		prob[i] = math.Exp(float64(c.val) - maxv)
	}
	floats.Scale(1/floats.Sum(prob), prob)

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				cands[n] = cands[i]
				n++
			}
		}
		prob, cands = prob[:n], cands[:n]
		floats.Scale(1/floats.Sum(prob), prob)
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	n := 0
	for i := 0; i < cut; i++ {
		if mask == nil || mask.Contains(cands[i].id) {
			prob[n] = prob[i]
			cands[n] = cands[i]
			n++
		}
	}
	if n == 0 {
		return maskedArgmax(work, mask), true
	}
	prob, cands = prob[:n], cands[:n]
	total := floats.Sum(prob)
	if !(total > 0) {
		return maskedArgmax(work, mask), true
	}

	r := s.rng.Float64() * total
	var c float64
	for i := range prob {
		c += prob[i]
		if r < c {
			return cands[i].id, false
		}
	}
	return cands[n-1].id, false
}

// penalize copies logits into the scratch buffer and applies penalties for
// tokens seen in the recent window.
func (s *Sampler) penalize(logits []float32, recent []int) []float32 {
	if cap(s.work) < len(logits) {
		s.work = make([]float32, len(logits))
	}
	work := s.work[:len(logits)]
	copy(work, logits)

	active := s.cfg.RepeatPenalty != 1 || s.cfg.PresencePenalty != 0 || s.cfg.FrequencyPenalty != 0
	if !active || len(recent) == 0 {
		return work
	}

	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	window := recent[start:]

	if len(s.seenMark) < len(work) {
		s.seenMark = make([]uint32, len(work))
		s.seenCount = make([]int32, len(work))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id < 0 || id >= len(work) {
			continue
		}
		if s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenCount[id] = 0
			s.seenList = append(s.seenList, id)
		}
		s.seenCount[id]++
	}

	for _, id := range s.seenList {
		if work[id] > 0 {
			work[id] /= s.cfg.RepeatPenalty
		} else {
			work[id] *= s.cfg.RepeatPenalty
		}
		work[id] -= s.cfg.PresencePenalty + s.cfg.FrequencyPenalty*float32(s.seenCount[id])
	}
	return work
}

// maskedArgmax returns the lowest id holding the largest value inside mask.
// With an empty mask it falls back to the unmasked argmax.
func maskedArgmax(x []float32, mask Mask) int {
	best := -1
	var bestV float32
	for i, v := range x {
		if mask != nil && !mask.Contains(i) {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	if best < 0 {
		return argmax(x)
	}
	return best
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
