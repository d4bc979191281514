// Package dfa builds Levenshtein automata for query words. The tolerated
// edit distance depends only on the pattern length and is set by a Policy;
// the parametric builders behind each distance are built once per process
// and shared by every query.
package dfa

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"
)

// MaxDistance is the largest edit distance a Policy may produce.
const MaxDistance = 2

// Policy grades the tolerated edit distance by pattern length, counted in
// characters: patterns up to ExactMaxLen must match verbatim, patterns up
// to OneTypoMaxLen tolerate one edit, longer ones tolerate two.
type Policy struct {
	ExactMaxLen   int `json:"exact_max_len" yaml:"exactMaxLen"`
	OneTypoMaxLen int `json:"one_typo_max_len" yaml:"oneTypoMaxLen"`
}

// DefaultPolicy is 0 edits up to 4 characters, 1 edit up to 8, 2 above.
var DefaultPolicy = Policy{
	ExactMaxLen:   4,
	OneTypoMaxLen: 8,
}

// Validate checks that the thresholds are ordered.
func (p Policy) Validate() error {
	if p.ExactMaxLen < 0 {
		return fmt.Errorf("exact max length must not be negative, got %d", p.ExactMaxLen)
	}
	if p.OneTypoMaxLen < p.ExactMaxLen {
		return fmt.Errorf("one-typo max length %d is below exact max length %d", p.OneTypoMaxLen, p.ExactMaxLen)
	}
	return nil
}

// Distance returns the edit distance tolerated for pattern.
func (p Policy) Distance(pattern string) uint8 {
	n := utf8.RuneCountInString(pattern)
	switch {
	case n <= p.ExactMaxLen:
		return 0
	case n <= p.OneTypoMaxLen:
		return 1
	default:
		return 2
	}
}

// Exact builds an automaton accepting the words within the policy's edit
// distance of pattern.
func (p Policy) Exact(pattern string) (vellum.Automaton, error) {
	return build(pattern, p.Distance(pattern))
}

// Prefix builds an automaton accepting every word that starts with a string
// within the policy's edit distance of pattern.
func (p Policy) Prefix(pattern string) (vellum.Automaton, error) {
	inner, err := build(pattern, p.Distance(pattern))
	if err != nil {
		return nil, err
	}
	return &prefixAutomaton{inner: inner}, nil
}

var builders [MaxDistance + 1]struct {
	once    sync.Once
	builder *levenshtein.LevenshteinAutomatonBuilder
	err     error
}

func builderFor(distance uint8) (*levenshtein.LevenshteinAutomatonBuilder, error) {
	if int(distance) > MaxDistance {
		return nil, fmt.Errorf("edit distance %d exceeds maximum %d", distance, MaxDistance)
	}
	slot := &builders[distance]
	slot.once.Do(func() {
		slot.builder, slot.err = levenshtein.NewLevenshteinAutomatonBuilder(distance, true)
	})
	return slot.builder, slot.err
}

func build(pattern string, distance uint8) (vellum.Automaton, error) {
	lb, err := builderFor(distance)
	if err != nil {
		return nil, fmt.Errorf("creating levenshtein builder (distance %d): %w", distance, err)
	}
	dfa, err := lb.BuildDfa(pattern, distance)
	if err != nil {
		return nil, fmt.Errorf("building levenshtein dfa for %q: %w", pattern, err)
	}
	return dfa, nil
}

// alwaysMatch is the state a prefix automaton enters once the pattern has
// been matched; every continuation is accepted from there.
const alwaysMatch = -1

type prefixAutomaton struct {
	inner vellum.Automaton
}

func (a *prefixAutomaton) Start() int {
	return a.lift(a.inner.Start())
}

func (a *prefixAutomaton) IsMatch(state int) bool {
	return state == alwaysMatch
}

func (a *prefixAutomaton) CanMatch(state int) bool {
	return state == alwaysMatch || a.inner.CanMatch(state)
}

func (a *prefixAutomaton) WillAlwaysMatch(state int) bool {
	return state == alwaysMatch
}

func (a *prefixAutomaton) Accept(state int, b byte) int {
	if state == alwaysMatch {
		return alwaysMatch
	}
	return a.lift(a.inner.Accept(state, b))
}

func (a *prefixAutomaton) lift(state int) int {
	if a.inner.IsMatch(state) {
		return alwaysMatch
	}
	return state
}

// Matches runs word through aut and reports whether it ends in a match state.
func Matches(aut vellum.Automaton, word string) bool {
	state := aut.Start()
	for i := 0; i < len(word); i++ {
		if aut.WillAlwaysMatch(state) {
			return true
		}
		state = aut.Accept(state, word[i])
		if !aut.CanMatch(state) {
			return false
		}
	}
	return aut.IsMatch(state)
}
