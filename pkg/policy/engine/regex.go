package engine

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	errNestedQuantifier = errors.New("nested quantifier")
	errBackreference    = errors.New("backreference")
)

// patternCache evaluates matches. Every rejection, whether a cap, a risky
// shape, or a compile failure, yields false.
type patternCache struct {
	maxPattern int
	maxInput   int
	size       int

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func newPatternCache(cfg *Config) *patternCache {
	return &patternCache{
		maxPattern: cfg.MaxPatternLength,
		maxInput:   cfg.MaxMatchInputLength,
		size:       cfg.PatternCacheSize,
		compiled:   make(map[string]*regexp.Regexp),
	}
}

func (c *patternCache) match(input, pattern any) (matched bool) {
	s, ok := input.(string)
	if !ok || len(s) > c.maxInput {
		return false
	}
	p, ok := pattern.(string)
	if !ok || p == "" || len(p) > c.maxPattern {
		return false
	}

	re, err := c.compile(p)
	if err != nil {
		return false
	}

	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return re.MatchString(s)
}

func (c *patternCache) compile(p string) (*regexp.Regexp, error) {
	c.mu.Lock()
	re, ok := c.compiled[p]
	c.mu.Unlock()
	if ok {
		return re, nil
	}

	if err := checkPattern(p); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", p, err)
	}

	if c.size > 0 {
		c.mu.Lock()
		if len(c.compiled) >= c.size {
			c.compiled = make(map[string]*regexp.Regexp)
		}
		c.compiled[p] = re
		c.mu.Unlock()
	}
	return re, nil
}

// checkPattern rejects backreferences and quantified groups that already
// contain a quantifier, such as (a+)+ or (x*y)*.
func checkPattern(p string) error {
	var groups []bool
	markQuantified := func() {
		if n := len(groups); n > 0 {
			groups[n-1] = true
		}
	}
	isQuantifier := func(i int) bool {
		if i >= len(p) {
			return false
		}
		switch p[i] {
		case '*', '+':
			return true
		case '{':
			return i+1 < len(p) && p[i+1] >= '0' && p[i+1] <= '9'
		}
		return false
	}

	for i := 0; i < len(p); i++ {
		switch ch := p[i]; ch {
		case '\\':
			if i+1 >= len(p) {
				return nil
			}
			next := p[i+1]
			if (next >= '1' && next <= '9') || next == 'k' || next == 'g' {
				return errBackreference
			}
			i++

		case '[':
			// Quantifier characters inside a class are literals.
			for i++; i < len(p) && p[i] != ']'; i++ {
				if p[i] == '\\' {
					i++
				}
			}

		case '(':
			groups = append(groups, false)

		case ')':
			if len(groups) == 0 {
				continue
			}
			quantified := groups[len(groups)-1]
			groups = groups[:len(groups)-1]
			if quantified && isQuantifier(i+1) {
				return errNestedQuantifier
			}
			if quantified {
				markQuantified()
			}

		case '*', '+', '?':
			if ch == '?' && i > 0 && p[i-1] == '(' {
				continue
			}
			markQuantified()

		case '{':
			if isQuantifier(i) {
				markQuantified()
			}
		}
	}
	return nil
}
