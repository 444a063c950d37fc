package logits

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type setMask map[int]bool

func (m setMask) Contains(id int) bool { return m[id] }

func allowed(ids ...int) setMask {
	m := setMask{}
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 1, 2, 3, 4, 5}
	mask := allowed(1, 2, 3, 4)
	run := func() []int {
		s := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
		out := make([]int, 0, 32)
		for range 32 {
			tok, _ := s.Sample(logs, mask, out)
			out = append(out, tok)
		}
		return out
	}
	a, b := run(), run()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("expected deterministic sequence (-first +second):\n%s", diff)
	}
}

func TestSamplerReset(t *testing.T) {
	t.Parallel()

	logs := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1})
	first := make([]int, 16)
	for i := range first {
		first[i], _ = s.Sample(logs, nil, nil)
	}
	s.Reset()
	for i := range first {
		if got, _ := s.Sample(logs, nil, nil); got != first[i] {
			t.Fatalf("draw %d after Reset = %d, want %d", i, got, first[i])
		}
	}
}

// TestSamplerGreedy tests that greedy sampling returns the index of the
// maximum logit inside the mask.
func TestSamplerGreedy(t *testing.T) {
	t.Parallel()

	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 0})
	if idx, _ := s.Sample(logs, nil, nil); idx != 3 {
		t.Fatalf("expected greedy index 3, got %d", idx)
	}
	if idx, _ := s.Sample(logs, allowed(0, 2, 4), nil); idx != 2 {
		t.Fatalf("expected masked greedy index 2, got %d", idx)
	}
}

// TestSamplerTopP ensures that setting TopP less than 1 restricts sampling to a
// prefix of candidates.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()

	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for range 10 {
		if idx, fb := s.Sample(logs, nil, nil); idx != 0 || fb {
			t.Fatalf("top-p sampling returned index %d fallback=%v", idx, fb)
		}
	}
}

func TestSamplerMaskIsNeverViolated(t *testing.T) {
	t.Parallel()

	logs := []float32{3, 2.5, 2, 1.5, 1, 0.5, 0, -0.5}
	mask := allowed(1, 4, 6)
	s := NewSampler(SamplerConfig{Seed: 11, Temperature: 1.3, TopK: 6})
	for range 500 {
		tok, _ := s.Sample(logs, mask, nil)
		if !mask.Contains(tok) {
			t.Fatalf("sampled %d outside mask", tok)
		}
	}
}

func TestSamplerFallbackOnEmptyIntersection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  SamplerConfig
		logs []float32
		mask setMask
		want int
	}{
		{
			name: "top-k excludes mask",
			cfg:  SamplerConfig{Seed: 1, Temperature: 1, TopK: 2},
			logs: []float32{9, 8, 1, 3, 2},
			mask: allowed(2, 3, 4),
			want: 3,
		},
		{
			name: "top-p excludes mask",
			cfg:  SamplerConfig{Seed: 1, Temperature: 1, TopP: 0.5},
			logs: []float32{20, 0, 0.5, 0.5},
			mask: allowed(1, 2, 3),
			want: 2,
		},
		{
			name: "banned tokens only",
			cfg:  SamplerConfig{Seed: 1, Temperature: 1},
			logs: []float32{float32(math.Inf(-1)), 4, float32(math.Inf(-1))},
			mask: allowed(0, 2),
			want: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSampler(tc.cfg)
			got, fb := s.Sample(tc.logs, tc.mask, nil)
			if !fb {
				t.Fatalf("expected fallback")
			}
			if got != tc.want {
				t.Fatalf("fallback token = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSamplerPenalties(t *testing.T) {
	t.Parallel()

	logs := []float32{2, 1.9, 0}
	recent := []int{0, 0, 0}

	s := NewSampler(SamplerConfig{Temperature: 0, RepeatPenalty: 1.2})
	if tok, _ := s.Sample(logs, nil, recent); tok != 1 {
		t.Fatalf("repeat penalty: got %d, want 1", tok)
	}
	s = NewSampler(SamplerConfig{Temperature: 0, PresencePenalty: 0.5})
	if tok, _ := s.Sample(logs, nil, recent); tok != 1 {
		t.Fatalf("presence penalty: got %d, want 1", tok)
	}
	s = NewSampler(SamplerConfig{Temperature: 0, FrequencyPenalty: 0.05})
	if tok, _ := s.Sample(logs, nil, recent); tok != 1 {
		t.Fatalf("frequency penalty: got %d, want 1", tok)
	}
	s = NewSampler(SamplerConfig{Temperature: 0, RepeatPenalty: 1.2, RepeatLastN: 1})
	if tok, _ := s.Sample(logs, nil, []int{0, 2}); tok != 0 {
		t.Fatalf("window should exclude old tokens: got %d, want 0", tok)
	}
	if logs[0] != 2 {
		t.Fatalf("Sample modified caller logits: %v", logs)
	}
}

func TestSamplerPrefersHigherLogits(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 0, 2, 0}
	s := NewSampler(SamplerConfig{Seed: 5, Temperature: 1})
	counts := make([]int, len(logs))
	for range 2000 {
		tok, _ := s.Sample(logs, nil, nil)
		counts[tok]++
	}
	for i, c := range counts {
		if i != 2 && c >= counts[2] {
			t.Fatalf("token %d drawn %d times, favoured token only %d", i, c, counts[2])
		}
	}
}
