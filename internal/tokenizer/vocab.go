package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrUnknownText is returned by Encode when part of the input has no token.
var ErrUnknownText = errors.New("text not representable in vocabulary")

const (
	EOSText = "<eos>"
	BOSText = "<bos>"
)

// Vocab is a flat token table with greedy longest-match encoding.
// Special tokens (EOS, BOS) decode to the empty string and are never
// produced by Encode.
type Vocab struct {
	tokens  []string
	index   map[string]int
	special map[int]bool
	eosID   int
	bosID   int
	maxLen  int
}

// NewVocab builds a vocabulary from an ordered token list. eos and bos must
// index into tokens. Duplicate non-special entries are rejected.
func NewVocab(tokens []string, eos, bos int) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocab: empty token list")
	}
	if eos < 0 || eos >= len(tokens) {
		return nil, fmt.Errorf("vocab: eos id %d out of range", eos)
	}
	if bos < 0 || bos >= len(tokens) {
		return nil, fmt.Errorf("vocab: bos id %d out of range", bos)
	}
	v := &Vocab{
		tokens:  append([]string(nil), tokens...),
		index:   make(map[string]int, len(tokens)),
		special: map[int]bool{eos: true, bos: true},
		eosID:   eos,
		bosID:   bos,
	}
	for id, tok := range v.tokens {
		if v.special[id] {
			continue
		}
		if tok == "" {
			return nil, fmt.Errorf("vocab: token %d is empty", id)
		}
		if !utf8.ValidString(tok) {
			return nil, fmt.Errorf("vocab: token %d is not valid utf-8", id)
		}
		if prev, ok := v.index[tok]; ok {
			return nil, fmt.Errorf("vocab: token %q duplicated at %d and %d", tok, prev, id)
		}
		v.index[tok] = id
		if n := len(tok); n > v.maxLen {
			v.maxLen = n
		}
	}
	return v, nil
}

func (v *Vocab) Size() int  { return len(v.tokens) }
func (v *Vocab) EOSID() int { return v.eosID }
func (v *Vocab) BOSID() int { return v.bosID }

// IsSpecial reports whether id is a control token with no text.
func (v *Vocab) IsSpecial(id int) bool { return v.special[id] }

// TokenString returns the text of a token. Specials and out-of-range ids
// return "".
func (v *Vocab) TokenString(id int) string {
	if id < 0 || id >= len(v.tokens) || v.special[id] {
		return ""
	}
	return v.tokens[id]
}

// Encode splits text with greedy longest match.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for pos := 0; pos < len(text); {
		n := min(v.maxLen, len(text)-pos)
		matched := false
		for ; n > 0; n-- {
			if id, ok := v.index[text[pos:pos+n]]; ok {
				ids = append(ids, id)
				pos += n
				matched = true
				break
			}
		}
		if !matched {
			r, _ := utf8.DecodeRuneInString(text[pos:])
			return nil, fmt.Errorf("%w: %q at byte %d", ErrUnknownText, r, pos)
		}
	}
	return ids, nil
}

// Decode concatenates token texts.
func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			return "", fmt.Errorf("decode: token id %d out of range", id)
		}
		sb.WriteString(v.TokenString(id))
	}
	return sb.String(), nil
}

// Tokens returns a copy of the raw token table.
func (v *Vocab) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

var defaultFragments = []string{
	"the", "he", "th", "in", "er", "an", "re", "on", "at", "en",
	"nd", "ing", "ion", " the", " a", " of", " and", " to", " is",
	"00", "10", "true", "false", "null",
}

// Default returns the built-in vocabulary: <eos>, <bos>, printable ASCII,
// newline and tab, followed by a handful of common fragments.
func Default() *Vocab {
	tokens := []string{EOSText, BOSText}
	for c := 0x20; c <= 0x7e; c++ {
		tokens = append(tokens, string(rune(c)))
	}
	tokens = append(tokens, "\n", "\t")
	tokens = append(tokens, defaultFragments...)
	v, err := NewVocab(tokens, 0, 1)
	if err != nil {
		panic(err)
	}
	return v
}
