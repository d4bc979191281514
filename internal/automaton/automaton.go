// Package automaton compiles a raw search query into ordered groups of
// Levenshtein automatons plus the query enhancer that maps synthesized
// automatons back to the original query words.
package automaton

import (
	"encoding/json"
	"fmt"

	"github.com/blevesearch/vellum"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/dfa"
)

// MatchKind says how an automaton's pattern is matched.
type MatchKind int

const (
	// Exact matches whole words within the typo budget.
	Exact MatchKind = iota
	// ExactPrefix matches any word starting with the pattern within the typo
	// budget; used for the word still being typed.
	ExactPrefix
	// NonExact marks multi-word synonym expansions matched as one string.
	NonExact
)

var matchKindNames = map[MatchKind]string{
	Exact:       "exact",
	ExactPrefix: "exact_prefix",
	NonExact:    "non_exact",
}

func (k MatchKind) String() string {
	if name, ok := matchKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MatchKind(%d)", int(k))
}

func (k MatchKind) IsExact() bool  { return k == Exact || k == ExactPrefix }
func (k MatchKind) IsPrefix() bool { return k == ExactPrefix }

func (k MatchKind) MarshalText() ([]byte, error) {
	name, ok := matchKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown match kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *MatchKind) UnmarshalText(text []byte) error {
	for kind, name := range matchKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown match kind %q", text)
}

// Automaton describes one pattern to run against the index. The matcher
// itself is only built on demand by BuildMatcher.
type Automaton struct {
	index    int
	ngram    int
	queryLen int
	kind     MatchKind
	query    string
	policy   dfa.Policy
}

func newAutomaton(index, ngram int, kind MatchKind, query string, policy dfa.Policy) Automaton {
	return Automaton{
		index:    index,
		ngram:    ngram,
		queryLen: len(query),
		kind:     kind,
		query:    query,
		policy:   policy,
	}
}

// Index is the automaton's stable handle, assigned in emission order.
func (a Automaton) Index() int { return a.index }

// Ngram is the number of query words the automaton was derived from.
func (a Automaton) Ngram() int { return a.ngram }

// QueryLen is the byte length of the pattern.
func (a Automaton) QueryLen() int { return a.queryLen }

func (a Automaton) Kind() MatchKind    { return a.kind }
func (a Automaton) Query() string      { return a.query }
func (a Automaton) IsExact() bool      { return a.kind.IsExact() }
func (a Automaton) IsPrefix() bool     { return a.kind.IsPrefix() }
func (a Automaton) Policy() dfa.Policy { return a.policy }

// BuildMatcher constructs the Levenshtein automaton for the pattern: the
// prefix variant for ExactPrefix, the whole-word variant otherwise.
func (a Automaton) BuildMatcher() (vellum.Automaton, error) {
	if a.kind.IsPrefix() {
		return a.policy.Prefix(a.query)
	}
	return a.policy.Exact(a.query)
}

func (a Automaton) String() string {
	return fmt.Sprintf("#%d %s %q (%d-gram)", a.index, a.kind, a.query, a.ngram)
}

type wireAutomaton struct {
	Index    int        `json:"index"`
	Ngram    int        `json:"ngram"`
	QueryLen int        `json:"query_len"`
	Kind     MatchKind  `json:"kind"`
	Query    string     `json:"query"`
	Policy   dfa.Policy `json:"policy"`
}

func (a Automaton) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAutomaton{
		Index:    a.index,
		Ngram:    a.ngram,
		QueryLen: a.queryLen,
		Kind:     a.kind,
		Query:    a.query,
		Policy:   a.policy,
	})
}

func (a *Automaton) UnmarshalJSON(data []byte) error {
	var w wireAutomaton
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Index < 0 || w.Ngram < 1 {
		return fmt.Errorf("invalid automaton #%d (%d-gram)", w.Index, w.Ngram)
	}
	if err := w.Policy.Validate(); err != nil {
		return fmt.Errorf("automaton #%d: %w", w.Index, err)
	}
	*a = Automaton{
		index:    w.Index,
		ngram:    w.Ngram,
		queryLen: w.QueryLen,
		kind:     w.Kind,
		query:    w.Query,
		policy:   w.Policy,
	}
	return nil
}

// GroupKind tells how the automatons of a group combine.
type GroupKind int

const (
	// Normal groups hold independent alternatives for the same words.
	Normal GroupKind = iota
	// PhraseQuery groups hold exactly two automatons that must match
	// consecutively to count as one hit.
	PhraseQuery
)

func (k GroupKind) String() string {
	switch k {
	case Normal:
		return "normal"
	case PhraseQuery:
		return "phrase_query"
	default:
		return fmt.Sprintf("GroupKind(%d)", int(k))
	}
}

func (k GroupKind) MarshalText() ([]byte, error) {
	switch k {
	case Normal, PhraseQuery:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown group kind %d", int(k))
}

func (k *GroupKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "normal":
		*k = Normal
	case "phrase_query":
		*k = PhraseQuery
	default:
		return fmt.Errorf("unknown group kind %q", text)
	}
	return nil
}

// Group is an ordered set of automatons evaluated together.
type Group struct {
	kind       GroupKind
	automatons []Automaton
}

// NormalGroup groups independent alternatives.
func NormalGroup(automatons ...Automaton) Group {
	return Group{kind: Normal, automatons: automatons}
}

// PhraseQueryGroup pairs the two halves of a split word.
func PhraseQueryGroup(left, right Automaton) Group {
	return Group{kind: PhraseQuery, automatons: []Automaton{left, right}}
}

func (g Group) Kind() GroupKind     { return g.kind }
func (g Group) IsPhraseQuery() bool { return g.kind == PhraseQuery }
func (g Group) Len() int            { return len(g.automatons) }

// Automatons returns the group's automatons in emission order.
func (g Group) Automatons() []Automaton {
	out := make([]Automaton, len(g.automatons))
	copy(out, g.automatons)
	return out
}

type wireGroup struct {
	Kind       GroupKind   `json:"kind"`
	Automatons []Automaton `json:"automatons"`
}

func (g Group) MarshalJSON() ([]byte, error) {
	automatons := g.automatons
	if automatons == nil {
		automatons = []Automaton{}
	}
	return json.Marshal(wireGroup{Kind: g.kind, Automatons: automatons})
}

func (g *Group) UnmarshalJSON(data []byte) error {
	var w wireGroup
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind == PhraseQuery && len(w.Automatons) != 2 {
		return fmt.Errorf("phrase query group with %d automatons", len(w.Automatons))
	}
	*g = Group{kind: w.Kind, automatons: w.Automatons}
	return nil
}
