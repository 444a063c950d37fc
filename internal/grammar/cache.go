package grammar

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/spindle/internal/tokenizer"
)

// Cache shares compiled grammars between sessions by source text.
// Concurrent requests for the same uncached source compile it once.
type Cache struct {
	vocab tokenizer.Vocabulary
	free  *Grammar
	max   int

	mu       sync.RWMutex
	grammars map[string]*Grammar
	order    []string
	group    singleflight.Group
}

// NewCache returns a cache holding at most max compiled grammars; max <= 0
// means unbounded. Evicted grammars stay valid for sessions that hold them.
func NewCache(vocab tokenizer.Vocabulary, max int) *Cache {
	return &Cache{
		vocab:    vocab,
		free:     Unconstrained(vocab),
		max:      max,
		grammars: make(map[string]*Grammar),
	}
}

// Get returns the compiled grammar for source. Blank source yields the
// shared unconstrained grammar.
func (c *Cache) Get(source string) (*Grammar, error) {
	if strings.TrimSpace(source) == "" {
		return c.free, nil
	}
	if g, ok := c.lookup(source); ok {
		return g, nil
	}
	v, err, _ := c.group.Do(source, func() (any, error) {
		if g, ok := c.lookup(source); ok {
			return g, nil
		}
		g, err := Compile(source, c.vocab)
		if err != nil {
			return nil, err
		}
		c.store(source, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Grammar), nil
}

func (c *Cache) Vocab() tokenizer.Vocabulary { return c.vocab }

// Len reports the number of cached grammars.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grammars)
}

func (c *Cache) lookup(source string) (*Grammar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grammars[source]
	return g, ok
}

func (c *Cache) store(source string, g *Grammar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.grammars) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.grammars, oldest)
	}
	c.grammars[source] = g
	c.order = append(c.order, source)
}
