package automaton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/vellum"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/dfa"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/enhancer"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/store"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/tokenizer"
)

// MaxNgram is the widest window of consecutive query words considered for
// synonyms and concatenations.
const MaxNgram = 3

// Producer compiles queries into plans. It holds no per-query state and is
// safe for concurrent use.
type Producer struct {
	policy dfa.Policy
	logger *slog.Logger
}

func NewProducer(policy dfa.Policy) (*Producer, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid typo policy: %w", err)
	}
	return &Producer{
		policy: policy,
		logger: slog.Default().With("component", "automaton-producer"),
	}, nil
}

// Compile opens one read transaction on st and compiles query against it.
// Any store failure aborts the compilation; no partial plan is returned.
func (p *Producer) Compile(ctx context.Context, st store.Store, query string) (*Plan, error) {
	txn, err := st.ReadTxn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening read transaction: %w", err)
	}
	defer txn.Close()
	return p.CompileTxn(ctx, txn, query)
}

// CompileTxn compiles query against a transaction owned by the caller.
func (p *Producer) CompileTxn(ctx context.Context, txn store.Txn, query string) (*Plan, error) {
	dictionary, err := txn.SynonymsFST(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading synonym dictionary: %w", err)
	}

	words := queryWords(query)
	c := &compilation{
		txn:        txn,
		dictionary: dictionary,
		policy:     p.policy,
		words:      words,
		trailing:   endsWithSpace(query),
		enhancer:   enhancer.NewBuilder(words),
		logger:     p.logger,
	}
	if err := c.run(ctx); err != nil {
		return nil, err
	}

	plan := &Plan{
		Query:    query,
		Groups:   c.groups,
		Enhancer: c.enhancer.Build(),
		Stats:    c.stats,
	}
	plan.Stats.Words = len(words)
	plan.Stats.Groups = len(c.groups)
	plan.Stats.Automatons = c.indices.next

	p.logger.Debug("query compiled",
		"words", plan.Stats.Words,
		"groups", plan.Stats.Groups,
		"automatons", plan.Stats.Automatons,
		"synonyms", plan.Stats.Synonyms,
		"splits", plan.Stats.Splits,
	)
	return plan, nil
}

// indexAllocator hands out automaton indices in emission order.
type indexAllocator struct {
	next int
}

func (a *indexAllocator) take() int {
	i := a.next
	a.next++
	return i
}

// window is a run of consecutive query words.
type window struct {
	origin enhancer.Range
	words  []string
}

func (w window) size() int { return w.origin.Len() }

// compilation is the state of one Compile call.
type compilation struct {
	txn        store.Txn
	dictionary *vellum.FST
	policy     dfa.Policy
	words      []string
	trailing   bool
	enhancer   *enhancer.Builder
	indices    indexAllocator
	groups     []Group
	stats      Stats
	logger     *slog.Logger
}

func (c *compilation) push(g Group) {
	c.groups = append(c.groups, g)
}

func (c *compilation) run(ctx context.Context) error {
	// The original words come first and are never declared to the enhancer.
	originals := make([]Automaton, 0, len(c.words))
	for i, word := range c.words {
		kind := Exact
		if c.prefixEligible(i+1, word) {
			kind = ExactPrefix
		}
		originals = append(originals, newAutomaton(c.indices.take(), 1, kind, word, c.policy))
	}
	c.push(NormalGroup(originals...))

	for n := 1; n <= MaxNgram; n++ {
		for start := 0; start+n <= len(c.words); start++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			w := window{
				origin: enhancer.Range{Start: start, End: start + n},
				words:  c.words[start : start+n],
			}
			if err := c.compileWindow(ctx, w); err != nil {
				return err
			}
		}
	}

	sortGroups(c.groups[1:])
	return nil
}

func (c *compilation) compileWindow(ctx context.Context, w window) error {
	text := strings.Join(w.words, " ")
	normalized := normalize.String(text)
	if normalized == "" {
		return nil
	}

	// The separator keeps multi-word windows from counting as all-CJK, so a
	// trailing CJK n-gram may still complete a dictionary key.
	build := c.policy.Exact
	if c.prefixEligible(w.origin.End, text) {
		build = c.policy.Prefix
	}
	lev, err := build(normalized)
	if err != nil {
		return fmt.Errorf("building automaton for %q: %w", normalized, err)
	}
	if err := c.fanOutSynonyms(ctx, w, lev); err != nil {
		return err
	}

	if w.size() == 1 {
		return c.split(ctx, w, normalized)
	}
	c.concat(w)
	return nil
}

// split emits the best two-word reading of a single word as a phrase query.
func (c *compilation) split(ctx context.Context, w window, word string) error {
	left, right, ok, err := splitBestFrequency(ctx, c.txn, word)
	if err != nil {
		return fmt.Errorf("splitting %q: %w", word, err)
	}
	if !ok {
		return nil
	}

	li := c.indices.take()
	c.enhancer.Declare(w.origin, li, []string{left})
	ri := c.indices.take()
	c.enhancer.Declare(w.origin, ri, []string{right})

	c.push(PhraseQueryGroup(
		newAutomaton(li, 1, Exact, left, c.policy),
		newAutomaton(ri, 1, Exact, right, c.policy),
	))
	c.stats.Splits++
	return nil
}

// concat emits the window's words glued together, for queries that carry a
// space the index does not.
func (c *compilation) concat(w window) {
	joined := normalize.String(strings.Join(w.words, ""))
	if joined == "" {
		return
	}
	index := c.indices.take()
	c.enhancer.Declare(w.origin, index, []string{joined})
	c.push(NormalGroup(newAutomaton(index, w.size(), Exact, joined, c.policy)))
	c.stats.Concatenations++
}

// prefixEligible reports whether the text ending at word boundary end may
// still be being typed: it must close the query, the query must not end
// with a space and the text must not be entirely CJK.
func (c *compilation) prefixEligible(end int, text string) bool {
	return end == len(c.words) && !c.trailing && !tokenizer.AllCJK(text)
}

// sortGroups orders groups exact first, then by ascending n-gram size, then
// larger groups first. Equal groups keep their emission order.
func sortGroups(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].automatons[0], groups[j].automatons[0]
		if a.IsExact() != b.IsExact() {
			return a.IsExact()
		}
		if a.ngram != b.ngram {
			return a.ngram < b.ngram
		}
		return groups[i].Len() > groups[j].Len()
	})
}

func queryWords(query string) []string {
	words := tokenizer.SplitQuery(query)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return words
}

func endsWithSpace(query string) bool {
	r, size := utf8.DecodeLastRuneInString(query)
	return size > 0 && unicode.IsSpace(r)
}

// Stats counts what a compilation produced.
type Stats struct {
	Words          int `json:"words"`
	Groups         int `json:"groups"`
	Automatons     int `json:"automatons"`
	Synonyms       int `json:"synonyms"`
	Splits         int `json:"splits"`
	Concatenations int `json:"concatenations"`
}

// Plan is the result of compiling one query. The first group always holds
// the original query words in order; the others are sorted by priority.
type Plan struct {
	Query    string
	Groups   []Group
	Enhancer *enhancer.QueryEnhancer
	Stats    Stats
}

// Automaton returns the automaton with the given index.
func (p *Plan) Automaton(index int) (Automaton, bool) {
	for _, g := range p.Groups {
		for _, a := range g.automatons {
			if a.index == index {
				return a, true
			}
		}
	}
	return Automaton{}, false
}

// Words returns the original query words, lowercased, as compiled.
func (p *Plan) Words() []string {
	return queryWords(p.Query)
}

// Resolve maps an automaton index to the original word span it stands for.
func (p *Plan) Resolve(index int) (enhancer.Range, bool) {
	if _, ok := p.Automaton(index); !ok {
		return enhancer.Range{}, false
	}
	return p.Enhancer.Replacement(index)
}

type wirePlan struct {
	Query    string                  `json:"query"`
	Groups   []Group                 `json:"groups"`
	Enhancer *enhancer.QueryEnhancer `json:"enhancer"`
	Stats    Stats                   `json:"stats"`
}

func (p *Plan) MarshalJSON() ([]byte, error) {
	groups := p.Groups
	if groups == nil {
		groups = []Group{}
	}
	return json.Marshal(wirePlan{
		Query:    p.Query,
		Groups:   groups,
		Enhancer: p.Enhancer,
		Stats:    p.Stats,
	})
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	var w wirePlan
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Groups) == 0 {
		return fmt.Errorf("plan for %q has no groups", w.Query)
	}
	if w.Enhancer == nil {
		return fmt.Errorf("plan for %q has no enhancer", w.Query)
	}
	*p = Plan{
		Query:    w.Query,
		Groups:   w.Groups,
		Enhancer: w.Enhancer,
		Stats:    w.Stats,
	}
	return nil
}
