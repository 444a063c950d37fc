package tokenizer

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// vocabFile is the on-disk vocabulary format:
//
//	{"tokens": ["<eos>", "<bos>", "a", ...], "eos": 0, "bos": 1}
type vocabFile struct {
	Tokens []string `json:"tokens"`
	EOS    *int     `json:"eos"`
	BOS    *int     `json:"bos"`
}

// LoadVocab reads a vocabulary JSON file.
func LoadVocab(path string) (*Vocab, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVocab(raw)
}

// ParseVocab decodes a vocabulary JSON document.
func ParseVocab(raw []byte) (*Vocab, error) {
	var f vocabFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse vocab json: %w", err)
	}
	if f.EOS == nil {
		return nil, fmt.Errorf("vocab json missing \"eos\" field")
	}
	if f.BOS == nil {
		return nil, fmt.Errorf("vocab json missing \"bos\" field")
	}
	return NewVocab(f.Tokens, *f.EOS, *f.BOS)
}

// MarshalJSON writes the vocabulary in the LoadVocab format.
func (v *Vocab) MarshalJSON() ([]byte, error) {
	eos, bos := v.eosID, v.bosID
	return json.Marshal(vocabFile{Tokens: v.tokens, EOS: &eos, BOS: &bos})
}
