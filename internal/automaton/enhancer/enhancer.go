// Package enhancer maps automaton indices synthesized during query
// compilation (synonyms, split words, concatenations) back to the span of
// original query words they stand for.
//
// A Builder collects declarations while automatons are emitted; Build turns
// it into an immutable QueryEnhancer that ranking consults to attribute a
// match to original query positions. Declarations may overlap: the same
// original words can be represented by many automatons and one automaton
// index may be declared against more than one span.
package enhancer

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Range is a half-open span [Start, End) of original query-word indices.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of words covered by r.
func (r Range) Len() int {
	return r.End - r.Start
}

// Contains reports whether word index i falls inside r.
func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

// Declaration states that the automaton with index Real replaces the
// original words in Origin with the Expansion tokens.
type Declaration struct {
	Origin    Range    `json:"origin"`
	Real      int      `json:"real"`
	Expansion []string `json:"expansion"`
}

// Builder accumulates declarations for a single query.
type Builder struct {
	wordCount    int
	declarations []Declaration
}

// NewBuilder returns a Builder for a query made of queryWords.
func NewBuilder(queryWords []string) *Builder {
	return &Builder{wordCount: len(queryWords)}
}

// Declare registers that automaton real represents the original words in
// origin. It panics if origin is empty or does not lie within the query.
func (b *Builder) Declare(origin Range, real int, expansion []string) {
	if origin.Start < 0 || origin.End > b.wordCount || origin.Len() <= 0 {
		panic(fmt.Sprintf("enhancer: origin range %s outside query of %d words", origin, b.wordCount))
	}
	if real < 0 {
		panic(fmt.Sprintf("enhancer: negative automaton index %d", real))
	}
	tokens := make([]string, len(expansion))
	copy(tokens, expansion)
	b.declarations = append(b.declarations, Declaration{
		Origin:    origin,
		Real:      real,
		Expansion: tokens,
	})
}

// Build finalizes the declarations into a QueryEnhancer. The builder must
// not be used afterwards.
func (b *Builder) Build() *QueryEnhancer {
	return newQueryEnhancer(b.wordCount, b.declarations)
}

// QueryEnhancer is the immutable lookup produced by Builder.Build. It is
// safe for concurrent use.
type QueryEnhancer struct {
	wordCount    int
	declarations []Declaration
	byReal       map[int][]int
	byOrigin     [][]int
}

func newQueryEnhancer(wordCount int, declarations []Declaration) *QueryEnhancer {
	decls := make([]Declaration, len(declarations))
	copy(decls, declarations)
	sort.SliceStable(decls, func(i, j int) bool {
		return decls[i].Real < decls[j].Real
	})

	e := &QueryEnhancer{
		wordCount:    wordCount,
		declarations: decls,
		byReal:       make(map[int][]int, len(decls)),
		byOrigin:     make([][]int, wordCount),
	}
	for i, d := range decls {
		e.byReal[d.Real] = append(e.byReal[d.Real], i)
		for w := d.Origin.Start; w < d.Origin.End; w++ {
			reals := e.byOrigin[w]
			if n := len(reals); n == 0 || reals[n-1] != d.Real {
				e.byOrigin[w] = append(reals, d.Real)
			}
		}
	}
	return e
}

// WordCount returns the number of words in the original query.
func (e *QueryEnhancer) WordCount() int {
	return e.wordCount
}

// Resolve returns every original span declared for automaton real, in
// declaration order. It reports false for indices never declared, which
// includes the automatons of the original words.
func (e *QueryEnhancer) Resolve(real int) ([]Range, bool) {
	idxs, ok := e.byReal[real]
	if !ok {
		return nil, false
	}
	ranges := make([]Range, 0, len(idxs))
	for _, i := range idxs {
		ranges = append(ranges, e.declarations[i].Origin)
	}
	return ranges, true
}

// Replacement returns the single span ranking should attribute a match of
// automaton real to. Declared indices cover the union of their spans; the
// original-word automatons, which are never declared, map to their own
// word.
func (e *QueryEnhancer) Replacement(real int) (Range, bool) {
	ranges, ok := e.Resolve(real)
	if !ok {
		if real >= 0 && real < e.wordCount {
			return Range{Start: real, End: real + 1}, true
		}
		return Range{}, false
	}
	span := ranges[0]
	for _, r := range ranges[1:] {
		if r.Start < span.Start {
			span.Start = r.Start
		}
		if r.End > span.End {
			span.End = r.End
		}
	}
	return span, true
}

// Expansion returns the replacement tokens of the first declaration of
// automaton real.
func (e *QueryEnhancer) Expansion(real int) []string {
	idxs, ok := e.byReal[real]
	if !ok {
		return nil
	}
	tokens := e.declarations[idxs[0]].Expansion
	out := make([]string, len(tokens))
	copy(out, tokens)
	return out
}

// Reals returns the declared automaton indices whose span covers original
// word origin, in increasing order.
func (e *QueryEnhancer) Reals(origin int) []int {
	if origin < 0 || origin >= e.wordCount {
		return nil
	}
	out := make([]int, len(e.byOrigin[origin]))
	copy(out, e.byOrigin[origin])
	return out
}

// Declarations returns a copy of every declaration ordered by automaton
// index.
func (e *QueryEnhancer) Declarations() []Declaration {
	out := make([]Declaration, len(e.declarations))
	copy(out, e.declarations)
	return out
}

type wireEnhancer struct {
	WordCount    int           `json:"word_count"`
	Declarations []Declaration `json:"declarations"`
}

// MarshalJSON encodes the enhancer as its word count and declarations.
func (e *QueryEnhancer) MarshalJSON() ([]byte, error) {
	decls := e.declarations
	if decls == nil {
		decls = []Declaration{}
	}
	return json.Marshal(wireEnhancer{
		WordCount:    e.wordCount,
		Declarations: decls,
	})
}

// UnmarshalJSON rebuilds an enhancer from its encoded declarations,
// rejecting any declaration outside the query.
func (e *QueryEnhancer) UnmarshalJSON(data []byte) error {
	var w wireEnhancer
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.WordCount < 0 {
		return fmt.Errorf("enhancer: negative word count %d", w.WordCount)
	}
	for _, d := range w.Declarations {
		if d.Origin.Start < 0 || d.Origin.End > w.WordCount || d.Origin.Len() <= 0 || d.Real < 0 {
			return fmt.Errorf("enhancer: declaration %d -> %s outside query of %d words", d.Real, d.Origin, w.WordCount)
		}
	}
	*e = *newQueryEnhancer(w.WordCount, w.Declarations)
	return nil
}
