// Package grammar compiles regular grammars into token-level automata.
//
// A grammar is an RE2 expression that the entire generated text must match.
// Compilation produces an immutable program plus a lazily expanded arena of
// automaton nodes; each node is the epsilon-closed set of program counters
// reachable after some prefix of tokens. Sessions hold a State (an index into
// the arena) and share the Grammar itself.
package grammar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp/syntax"
	"slices"
	"sync"

	"github.com/samcharles93/spindle/internal/tokenizer"
)

var (
	ErrCompile  = errors.New("grammar compile error")
	ErrRejected = errors.New("token rejected by grammar")
	ErrDeadEnd  = errors.New("grammar reached a state with no valid tokens")
)

// State is a per-session cursor into a Grammar.
type State int

const (
	startState    State = 0
	terminalState State = 1
)

type node struct {
	pcs       []uint32
	accepting bool
	terminal  bool
	valid     *TokenSet
	next      map[int]State
}

// Grammar is a compiled acceptor. It is safe for concurrent use; node
// expansion is serialized internally.
type Grammar struct {
	source        string
	unconstrained bool
	vocab         tokenizer.Vocabulary
	prog          *syntax.Prog
	texts         [][]rune

	mu    sync.Mutex
	nodes []*node
	index map[string]State
}

// Compile parses source and prepares an automaton over vocab.
func Compile(source string, vocab tokenizer.Vocabulary) (*Grammar, error) {
	re, err := syntax.Parse(source, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	re = stripAnchors(re)
	if op, ok := findAssertion(re); ok {
		return nil, fmt.Errorf("%w: unsupported assertion %s", ErrCompile, opName(op))
	}
	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	g := newGrammar(source, vocab)
	g.prog = prog
	start := g.closure([]uint32{uint32(prog.Start)})
	g.nodes = []*node{g.newNode(start), {terminal: true}}
	g.index[pcKey(start)] = startState

	if _, err := g.ValidTokens(startState); err != nil {
		return nil, fmt.Errorf("%w: no vocabulary token can begin a match", ErrCompile)
	}
	return g, nil
}

// Unconstrained returns a grammar that accepts any token sequence. EOS moves
// it to the terminal state.
func Unconstrained(vocab tokenizer.Vocabulary) *Grammar {
	g := newGrammar("", vocab)
	g.unconstrained = true
	g.nodes = []*node{{accepting: true}, {terminal: true}}
	return g
}

func newGrammar(source string, vocab tokenizer.Vocabulary) *Grammar {
	g := &Grammar{
		source: source,
		vocab:  vocab,
		texts:  make([][]rune, vocab.Size()),
		index:  make(map[string]State),
	}
	for id := range g.texts {
		if text := vocab.TokenString(id); text != "" {
			g.texts[id] = []rune(text)
		}
	}
	return g
}

func (g *Grammar) Source() string { return g.source }

func (g *Grammar) Start() State { return startState }

func (g *Grammar) IsUnconstrained() bool { return g.unconstrained }

// NumStates reports how many nodes have been materialized so far.
func (g *Grammar) NumStates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// IsTerminal reports whether s accepts no further tokens.
func (g *Grammar) IsTerminal(s State) bool {
	return s == terminalState
}

// IsAccepting reports whether the text consumed so far is a full match, so
// EOS is allowed.
func (g *Grammar) IsAccepting(s State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.node(s)
	return err == nil && n.accepting
}

// ValidTokens returns the tokens that keep the derivation alive from s.
// A terminal state yields an empty set. A non-terminal state with no valid
// tokens yields ErrDeadEnd.
func (g *Grammar) ValidTokens(s State) (*TokenSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.node(s)
	if err != nil {
		return nil, err
	}
	if n.terminal {
		return emptySet, nil
	}
	if n.valid == nil {
		g.expand(n)
	}
	if n.valid.Len() == 0 {
		return n.valid, fmt.Errorf("%w: state %d", ErrDeadEnd, s)
	}
	return n.valid, nil
}

// Advance consumes tok from s.
func (g *Grammar) Advance(s State, tok int) (State, error) {
	valid, err := g.ValidTokens(s)
	if err != nil {
		return s, err
	}
	if !valid.Contains(tok) {
		return s, fmt.Errorf("%w: token %d in state %d", ErrRejected, tok, s)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[s].next[tok], nil
}

func (g *Grammar) node(s State) (*node, error) {
	if s < 0 || int(s) >= len(g.nodes) {
		return nil, fmt.Errorf("%w: unknown state %d", ErrRejected, s)
	}
	return g.nodes[s], nil
}

// expand computes the valid set and transitions of n. Caller holds g.mu.
func (g *Grammar) expand(n *node) {
	eos := g.vocab.EOSID()
	ids := make([]int, 0, 16)
	n.next = make(map[int]State)
	for id, text := range g.texts {
		if id == eos {
			if n.accepting {
				ids = append(ids, id)
				n.next[id] = terminalState
			}
			continue
		}
		if text == nil {
			continue
		}
		if g.unconstrained {
			ids = append(ids, id)
			n.next[id] = startState
			continue
		}
		pcs := n.pcs
		for _, r := range text {
			if pcs = g.step(pcs, r); pcs == nil {
				break
			}
		}
		if pcs == nil {
			continue
		}
		ids = append(ids, id)
		n.next[id] = g.intern(pcs)
	}
	n.valid = newTokenSet(len(g.texts), ids)
}

func (g *Grammar) intern(pcs []uint32) State {
	key := pcKey(pcs)
	if s, ok := g.index[key]; ok {
		return s
	}
	s := State(len(g.nodes))
	g.nodes = append(g.nodes, g.newNode(pcs))
	g.index[key] = s
	return s
}

func (g *Grammar) newNode(pcs []uint32) *node {
	n := &node{pcs: pcs}
	for _, pc := range pcs {
		if g.prog.Inst[pc].Op == syntax.InstMatch {
			n.accepting = true
			break
		}
	}
	return n
}

// step advances a closed pc set over one rune. It returns nil when no
// thread survives.
func (g *Grammar) step(pcs []uint32, r rune) []uint32 {
	var next []uint32
	for _, pc := range pcs {
		inst := &g.prog.Inst[pc]
		if matchRune(inst, r) {
			next = append(next, inst.Out)
		}
	}
	if len(next) == 0 {
		return nil
	}
	return g.closure(next)
}

// closure follows empty transitions and keeps only rune-consuming and match
// instructions, sorted for interning.
func (g *Grammar) closure(seeds []uint32) []uint32 {
	seen := make(map[uint32]bool, len(seeds)*2)
	var out []uint32
	var visit func(pc uint32)
	visit = func(pc uint32) {
		if seen[pc] {
			return
		}
		seen[pc] = true
		inst := &g.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			visit(inst.Out)
			visit(inst.Arg)
		case syntax.InstCapture, syntax.InstNop, syntax.InstEmptyWidth:
			visit(inst.Out)
		case syntax.InstMatch, syntax.InstRune, syntax.InstRune1,
			syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			out = append(out, pc)
		}
	}
	for _, pc := range seeds {
		visit(pc)
	}
	slices.Sort(out)
	return out
}

func matchRune(inst *syntax.Inst, r rune) bool {
	switch inst.Op {
	case syntax.InstRune1:
		return r == inst.Rune[0]
	case syntax.InstRune:
		return inst.MatchRune(r)
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return r != '\n'
	}
	return false
}

func pcKey(pcs []uint32) string {
	buf := make([]byte, 0, len(pcs)*4)
	for _, pc := range pcs {
		buf = binary.LittleEndian.AppendUint32(buf, pc)
	}
	return string(buf)
}

// stripAnchors removes a leading ^ and trailing $; the whole output is
// always matched so they carry no meaning.
func stripAnchors(re *syntax.Regexp) *syntax.Regexp {
	isBegin := func(r *syntax.Regexp) bool {
		return r.Op == syntax.OpBeginText || r.Op == syntax.OpBeginLine
	}
	isEnd := func(r *syntax.Regexp) bool {
		return r.Op == syntax.OpEndText || r.Op == syntax.OpEndLine
	}
	switch {
	case isBegin(re) || isEnd(re):
		return &syntax.Regexp{Op: syntax.OpEmptyMatch, Flags: re.Flags}
	case re.Op == syntax.OpConcat:
		subs := re.Sub
		for len(subs) > 0 && isBegin(subs[0]) {
			subs = subs[1:]
		}
		for len(subs) > 0 && isEnd(subs[len(subs)-1]) {
			subs = subs[:len(subs)-1]
		}
		if len(subs) == 0 {
			return &syntax.Regexp{Op: syntax.OpEmptyMatch, Flags: re.Flags}
		}
		out := *re
		out.Sub = subs
		return &out
	}
	return re
}

func findAssertion(re *syntax.Regexp) (syntax.Op, bool) {
	switch re.Op {
	case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText,
		syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return re.Op, true
	}
	for _, sub := range re.Sub {
		if op, ok := findAssertion(sub); ok {
			return op, true
		}
	}
	return 0, false
}

func opName(op syntax.Op) string {
	switch op {
	case syntax.OpBeginLine, syntax.OpBeginText:
		return "^"
	case syntax.OpEndLine, syntax.OpEndText:
		return "$"
	case syntax.OpWordBoundary:
		return `\b`
	case syntax.OpNoWordBoundary:
		return `\B`
	}
	return op.String()
}
