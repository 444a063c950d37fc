package session

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/spindle/internal/logits"
)

// Params are the resolved generation settings of a session or a single step.
type Params struct {
	Temperature      float64  `json:"temperature" yaml:"temperature"`
	TopK             int      `json:"top_k" yaml:"top_k"`
	TopP             float64  `json:"top_p" yaml:"top_p"`
	MinP             float64  `json:"min_p" yaml:"min_p"`
	RepeatPenalty    float64  `json:"repeat_penalty" yaml:"repeat_penalty"`
	RepeatLastN      int      `json:"repeat_last_n" yaml:"repeat_last_n"`
	PresencePenalty  float64  `json:"presence_penalty" yaml:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty" yaml:"frequency_penalty"`
	Seed             int64    `json:"seed" yaml:"seed"`
	MaxTokens        int      `json:"max_tokens" yaml:"max_tokens"`
	StopSequences    []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	StopTokens       []int    `json:"stop_tokens,omitempty" yaml:"stop_tokens,omitempty"`
}

func DefaultParams() Params {
	return Params{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.0,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		Seed:          -1,
		MaxTokens:     256,
	}
}

// Options override Params field by field. Nil fields inherit.
type Options struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MinP             *float64 `json:"min_p,omitempty"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int     `json:"repeat_last_n,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	StopSequences    []string `json:"stop,omitempty"`
	StopTokens       []int    `json:"stop_tokens,omitempty"`
}

// Resolve layers opts over base.
func Resolve(opts Options, base Params) Params {
	p := base
	p.StopSequences = slices.Clone(base.StopSequences)
	p.StopTokens = slices.Clone(base.StopTokens)

	if opts.Temperature != nil {
		p.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		p.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		p.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		p.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		p.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		p.RepeatLastN = *opts.RepeatLastN
	}
	if opts.PresencePenalty != nil {
		p.PresencePenalty = *opts.PresencePenalty
	}
	if opts.FrequencyPenalty != nil {
		p.FrequencyPenalty = *opts.FrequencyPenalty
	}
	if opts.Seed != nil {
		p.Seed = *opts.Seed
	}
	if opts.MaxTokens != nil {
		p.MaxTokens = *opts.MaxTokens
	}
	if opts.StopSequences != nil {
		p.StopSequences = slices.Clone(opts.StopSequences)
	}
	if opts.StopTokens != nil {
		p.StopTokens = slices.Clone(opts.StopTokens)
	}
	return p
}

// Validate checks ranges. vocabSize bounds StopTokens; zero skips that check.
func (p Params) Validate(vocabSize int) error {
	var errs []error
	if p.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must be >= 0, got %g", p.Temperature))
	}
	if p.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k must be >= 0, got %d", p.TopK))
	}
	if p.TopP < 0 || p.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p must be in [0, 1], got %g", p.TopP))
	}
	if p.MinP < 0 || p.MinP > 1 {
		errs = append(errs, fmt.Errorf("min_p must be in [0, 1], got %g", p.MinP))
	}
	if p.RepeatPenalty <= 0 {
		errs = append(errs, fmt.Errorf("repeat_penalty must be > 0, got %g", p.RepeatPenalty))
	}
	if p.RepeatLastN < 0 {
		errs = append(errs, fmt.Errorf("repeat_last_n must be >= 0, got %d", p.RepeatLastN))
	}
	if p.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be > 0, got %d", p.MaxTokens))
	}
	for _, s := range p.StopSequences {
		if s == "" {
			errs = append(errs, errors.New("stop sequences must not be empty"))
			break
		}
	}
	for _, id := range p.StopTokens {
		if id < 0 || (vocabSize > 0 && id >= vocabSize) {
			errs = append(errs, fmt.Errorf("stop token %d out of range", id))
		}
	}
	return errors.Join(errs...)
}

func (p Params) SamplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:             p.Seed,
		Temperature:      float32(p.Temperature),
		TopK:             p.TopK,
		TopP:             float32(p.TopP),
		MinP:             float32(p.MinP),
		RepeatPenalty:    float32(p.RepeatPenalty),
		RepeatLastN:      p.RepeatLastN,
		PresencePenalty:  float32(p.PresencePenalty),
		FrequencyPenalty: float32(p.FrequencyPenalty),
	}
}
