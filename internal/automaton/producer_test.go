package automaton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/blevesearch/vellum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/dfa"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/enhancer"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
)

func newTestProducer(t testing.TB) *Producer {
	t.Helper()
	p, err := NewProducer(dfa.DefaultPolicy)
	require.NoError(t, err)
	return p
}

func compile(t *testing.T, st store.Store, query string) *Plan {
	t.Helper()
	plan, err := newTestProducer(t).Compile(context.Background(), st, query)
	require.NoError(t, err)
	return plan
}

func queries(g Group) []string {
	var out []string
	for _, a := range g.Automatons() {
		out = append(out, a.Query())
	}
	return out
}

func TestOriginalWordsWithTrailingSpace(t *testing.T) {
	plan := compile(t, store.NewMemoryStore(), "new york ")

	first := plan.Groups[0]
	assert.False(t, first.IsPhraseQuery())
	require.Equal(t, 2, first.Len())
	assert.Equal(t, []string{"new", "york"}, queries(first))
	for i, a := range first.Automatons() {
		assert.Equal(t, i, a.Index())
		assert.Equal(t, Exact, a.Kind())
		assert.False(t, a.IsPrefix())
	}
}

func TestLastWordIsPrefix(t *testing.T) {
	plan := compile(t, store.NewMemoryStore(), "New yo")

	originals := plan.Groups[0].Automatons()
	require.Len(t, originals, 2)
	assert.Equal(t, "new", originals[0].Query())
	assert.Equal(t, Exact, originals[0].Kind())
	assert.Equal(t, "yo", originals[1].Query())
	assert.Equal(t, ExactPrefix, originals[1].Kind())
	assert.True(t, originals[1].IsExact())

	matcher, err := originals[1].BuildMatcher()
	require.NoError(t, err)
	assert.True(t, dfa.Matches(matcher, "york"))
}

func TestAllCJKLastWordIsNotPrefix(t *testing.T) {
	plan := compile(t, store.NewMemoryStore(), "東京")

	originals := plan.Groups[0].Automatons()
	require.Len(t, originals, 2)
	for _, a := range originals {
		assert.Equal(t, Exact, a.Kind(), a.Query())
	}
}

func TestTrailingCJKBigramCompletesSynonymKey(t *testing.T) {
	m := store.NewMemoryStore()
	require.NoError(t, m.SetSynonyms("東 京!", []string{"tokyo"}))

	plan := compile(t, m, "東京")
	assert.Equal(t, 1, plan.Stats.Synonyms)

	var found []Automaton
	for _, g := range plan.Groups[1:] {
		for _, a := range g.Automatons() {
			if a.Query() == "tokyo" {
				found = append(found, a)
			}
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].Ngram())

	r, ok := plan.Resolve(found[0].Index())
	require.True(t, ok)
	assert.Equal(t, enhancer.Range{Start: 0, End: 2}, r)
}

func TestEmptyQueryKeepsLeadingGroup(t *testing.T) {
	plan := compile(t, store.NewMemoryStore(), "   ")
	require.Len(t, plan.Groups, 1)
	assert.Zero(t, plan.Groups[0].Len())
	assert.Zero(t, plan.Enhancer.WordCount())
	assert.Zero(t, plan.Stats.Automatons)
}

func TestConcatenationOfWindows(t *testing.T) {
	plan := compile(t, store.NewMemoryStore(), "new york city ")

	// 3 originals, then newyork, yorkcity and newyorkcity.
	require.Len(t, plan.Groups, 4)
	assert.Equal(t, []string{"newyork"}, queries(plan.Groups[1]))
	assert.Equal(t, []string{"yorkcity"}, queries(plan.Groups[2]))
	assert.Equal(t, []string{"newyorkcity"}, queries(plan.Groups[3]))
	assert.Equal(t, 3, plan.Stats.Concatenations)

	r, ok := plan.Resolve(plan.Groups[3].Automatons()[0].Index())
	require.True(t, ok)
	assert.Equal(t, enhancer.Range{Start: 0, End: 3}, r)

	a := plan.Groups[2].Automatons()[0]
	assert.Equal(t, 2, a.Ngram())
	assert.Equal(t, Exact, a.Kind())
	assert.Equal(t, []string{"yorkcity"}, plan.Enhancer.Expansion(a.Index()))
}

func seedSplitStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	m := store.NewMemoryStore()
	for i := 0; i < 5; i++ {
		m.AddDocument(fmt.Sprintf("foo-%d", i), "foo")
	}
	for i := 0; i < 3; i++ {
		m.AddDocument(fmt.Sprintf("bar-%d", i), "bar")
	}
	m.AddDocument("foob", "foob")
	return m
}

func TestSplitBestFrequency(t *testing.T) {
	m := seedSplitStore(t)
	txn, err := m.ReadTxn(context.Background())
	require.NoError(t, err)
	defer txn.Close()

	left, right, ok, err := splitBestFrequency(context.Background(), txn, "foobar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "foo", left)
	assert.Equal(t, "bar", right)

	_, _, ok, err = splitBestFrequency(context.Background(), txn, "foofoo")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, ok, err = splitBestFrequency(context.Background(), txn, "quux")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, ok, err = splitBestFrequency(context.Background(), txn, "f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSplitTiesKeepLeftmost(t *testing.T) {
	m := store.NewMemoryStore()
	m.AddDocument("1", "a bcd ab cd")
	m.AddDocument("2", "a bcd ab cd")

	txn, err := m.ReadTxn(context.Background())
	require.NoError(t, err)
	defer txn.Close()

	left, right, ok, err := splitBestFrequency(context.Background(), txn, "abcd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", left)
	assert.Equal(t, "bcd", right)
}

func TestSplitSplitsOnCharacterBoundaries(t *testing.T) {
	m := store.NewMemoryStore()
	m.AddDocument("1", "東 京")

	txn, err := m.ReadTxn(context.Background())
	require.NoError(t, err)
	defer txn.Close()

	left, right, ok, err := splitBestFrequency(context.Background(), txn, "東京")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "東", left)
	assert.Equal(t, "京", right)
}

func TestSplitEmitsPhraseQuery(t *testing.T) {
	plan := compile(t, seedSplitStore(t), "foobar ")

	require.Len(t, plan.Groups, 2)
	phrase := plan.Groups[1]
	require.True(t, phrase.IsPhraseQuery())
	automatons := phrase.Automatons()
	require.Len(t, automatons, 2)
	assert.Equal(t, "foo", automatons[0].Query())
	assert.Equal(t, "bar", automatons[1].Query())
	assert.Equal(t, 1, automatons[0].Index())
	assert.Equal(t, 2, automatons[1].Index())

	assert.Equal(t, []string{"foo"}, plan.Enhancer.Expansion(1))
	assert.Equal(t, []string{"bar"}, plan.Enhancer.Expansion(2))
	for _, idx := range []int{1, 2} {
		r, ok := plan.Resolve(idx)
		require.True(t, ok)
		assert.Equal(t, enhancer.Range{Start: 0, End: 1}, r)
	}
	assert.Equal(t, 1, plan.Stats.Splits)
}

func TestSynonymFanOut(t *testing.T) {
	m := store.NewMemoryStore()
	require.NoError(t, m.SetSynonyms("ny", []string{"new york", "nyc"}))

	plan := compile(t, m, "NY ")

	// The exact single-word expansion sorts before the multi-word one.
	require.Len(t, plan.Groups, 3)
	nyc := plan.Groups[1].Automatons()[0]
	newYork := plan.Groups[2].Automatons()[0]

	assert.Equal(t, "nyc", nyc.Query())
	assert.Equal(t, Exact, nyc.Kind())
	assert.Equal(t, 2, nyc.Index())

	assert.Equal(t, "new york", newYork.Query())
	assert.Equal(t, NonExact, newYork.Kind())
	assert.Equal(t, 1, newYork.Index())
	assert.Equal(t, 1, newYork.Ngram())

	assert.Equal(t, []string{"new", "york"}, plan.Enhancer.Expansion(1))
	ranges, ok := plan.Enhancer.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, []enhancer.Range{{Start: 0, End: 1}}, ranges)
	assert.Equal(t, 2, plan.Stats.Synonyms)
}

func TestSynonymWordCountFilter(t *testing.T) {
	m := store.NewMemoryStore()
	require.NoError(t, m.SetSynonyms("new york", []string{"nyc"}))

	// "new" is being typed, so its prefix automaton reaches the key
	// "new york", which has two words and is skipped.
	plan := compile(t, m, "new")
	assert.Zero(t, plan.Stats.Synonyms)

	plan = compile(t, m, "new yo")
	assert.Equal(t, 1, plan.Stats.Synonyms)

	var found bool
	for _, g := range plan.Groups[1:] {
		for _, a := range g.Automatons() {
			if a.Query() != "nyc" {
				continue
			}
			found = true
			assert.Equal(t, 2, a.Index())
			assert.Equal(t, 2, a.Ngram())
			r, ok := plan.Resolve(a.Index())
			require.True(t, ok)
			assert.Equal(t, enhancer.Range{Start: 0, End: 2}, r)
		}
	}
	assert.True(t, found)
}

func TestSynonymTypoTolerance(t *testing.T) {
	m := store.NewMemoryStore()
	require.NoError(t, m.SetSynonyms("brooklyn", []string{"bk"}))

	plan := compile(t, m, "brooklin ")
	assert.Equal(t, 1, plan.Stats.Synonyms)
}

func TestSortGroups(t *testing.T) {
	p := dfa.DefaultPolicy
	fuzzyBigram := NormalGroup(newAutomaton(1, 2, NonExact, "new york", p))
	exactUnigram := NormalGroup(newAutomaton(2, 1, Exact, "nyc", p))
	exactBigram := NormalGroup(newAutomaton(3, 2, Exact, "newyork", p))
	phrase := PhraseQueryGroup(newAutomaton(4, 1, Exact, "new", p), newAutomaton(5, 1, Exact, "york", p))
	laterUnigram := NormalGroup(newAutomaton(6, 1, Exact, "ny", p))

	groups := []Group{fuzzyBigram, exactUnigram, exactBigram, phrase, laterUnigram}
	sortGroups(groups)

	var order []int
	for _, g := range groups {
		order = append(order, g.Automatons()[0].Index())
	}
	assert.Equal(t, []int{4, 2, 6, 3, 1}, order)
}

func TestCompiledGroupsAreOrdered(t *testing.T) {
	m := seedSplitStore(t)
	require.NoError(t, m.SetSynonyms("foobar", []string{"foo bar baz", "fb"}))
	require.NoError(t, m.SetSynonyms("foobar qux", []string{"fq"}))

	plan := compile(t, m, "foobar qux quux")
	assert.Len(t, plan.Groups[0].Automatons(), 3)

	rest := plan.Groups[1:]
	for i := 1; i < len(rest); i++ {
		a, b := rest[i-1].Automatons()[0], rest[i].Automatons()[0]
		if a.IsExact() != b.IsExact() {
			assert.True(t, a.IsExact(), "exact groups first")
			continue
		}
		if a.Ngram() != b.Ngram() {
			assert.Less(t, a.Ngram(), b.Ngram())
			continue
		}
		if rest[i-1].Len() != rest[i].Len() {
			assert.Greater(t, rest[i-1].Len(), rest[i].Len())
			continue
		}
		assert.Less(t, a.Index(), b.Index(), "stable order")
	}
}

func TestEnhancerResolvesSynthesizedIndices(t *testing.T) {
	m := seedSplitStore(t)
	require.NoError(t, m.SetSynonyms("foobar", []string{"fb"}))

	plan := compile(t, m, "foobar baz")

	for _, a := range plan.Groups[0].Automatons() {
		_, declared := plan.Enhancer.Resolve(a.Index())
		assert.False(t, declared, "original word %q", a.Query())
	}
	seen := make(map[int]bool)
	for _, g := range plan.Groups[1:] {
		for _, a := range g.Automatons() {
			assert.False(t, seen[a.Index()], "index %d reused", a.Index())
			seen[a.Index()] = true

			ranges, ok := plan.Enhancer.Resolve(a.Index())
			require.True(t, ok, "automaton %s", a)
			for _, r := range ranges {
				assert.Equal(t, a.Ngram(), r.Len(), "automaton %s", a)
			}
		}
	}
	assert.Equal(t, plan.Stats.Automatons, len(seen)+plan.Groups[0].Len())
}

func TestCompileIsDeterministic(t *testing.T) {
	m := seedSplitStore(t)
	require.NoError(t, m.SetSynonyms("ny", []string{"new york", "nyc"}))
	require.NoError(t, m.SetSynonyms("new york", []string{"ny", "big apple"}))

	first := compile(t, m, "ny new york foobar")
	second := compile(t, m, "ny new york foobar")

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestPlanJSONRoundTrip(t *testing.T) {
	m := seedSplitStore(t)
	require.NoError(t, m.SetSynonyms("ny", []string{"new york"}))

	plan := compile(t, m, "ny foobar yo")
	data, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded Plan
	require.NoError(t, json.Unmarshal(data, &decoded))

	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	for i := 0; i < plan.Stats.Automatons; i++ {
		want, wantOK := plan.Resolve(i)
		got, gotOK := decoded.Resolve(i)
		assert.Equal(t, wantOK, gotOK)
		assert.Equal(t, want, got)

		a, ok := decoded.Automaton(i)
		require.True(t, ok)
		_, err := a.BuildMatcher()
		assert.NoError(t, err)
	}
}

func TestPlanUnmarshalRejectsBadPlans(t *testing.T) {
	var p Plan
	assert.Error(t, json.Unmarshal([]byte(`{"query":"x","groups":[],"enhancer":{"word_count":0,"declarations":[]}}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"query":"x","groups":[{"kind":"normal","automatons":[]}]}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"query":"x","groups":[{"kind":"phrase_query","automatons":[]}],"enhancer":{"word_count":0}}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"query":"x","groups":[{"kind":"bogus","automatons":[]}],"enhancer":{"word_count":0}}`), &p))
}

type failingTxn struct {
	store.Txn
	dictErr     error
	postingsErr error
	closed      bool
}

func (f *failingTxn) SynonymsFST(ctx context.Context) (*vellum.FST, error) {
	if f.dictErr != nil {
		return nil, f.dictErr
	}
	return f.Txn.SynonymsFST(ctx)
}

func (f *failingTxn) PostingsList(ctx context.Context, word string) (store.PostingsList, error) {
	if f.postingsErr != nil {
		return nil, f.postingsErr
	}
	return f.Txn.PostingsList(ctx, word)
}

func (f *failingTxn) Close() error {
	f.closed = true
	return f.Txn.Close()
}

type failingStore struct {
	inner *store.MemoryStore
	txn   *failingTxn
}

func (s *failingStore) ReadTxn(ctx context.Context) (store.Txn, error) {
	inner, err := s.inner.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	s.txn.Txn = inner
	return s.txn, nil
}

func TestStoreFailureAbortsCompilation(t *testing.T) {
	unavailable := fmt.Errorf("%w: connection refused", apperrors.ErrStoreUnavailable)

	tests := []struct {
		name string
		txn  *failingTxn
	}{
		{"dictionary", &failingTxn{dictErr: unavailable}},
		{"postings", &failingTxn{postingsErr: unavailable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &failingStore{inner: seedSplitStore(t), txn: tt.txn}
			plan, err := newTestProducer(t).Compile(context.Background(), st, "foobar")
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.True(t, errors.Is(err, apperrors.ErrStoreUnavailable))
			assert.True(t, tt.txn.closed, "transaction released")
		})
	}
}

func TestCompileHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestProducer(t).Compile(ctx, store.NewMemoryStore(), "new york")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProducerRejectsBadPolicy(t *testing.T) {
	_, err := NewProducer(dfa.Policy{ExactMaxLen: 5, OneTypoMaxLen: 2})
	assert.Error(t, err)
}

func TestMatchKindText(t *testing.T) {
	for _, k := range []MatchKind{Exact, ExactPrefix, NonExact} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back MatchKind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	_, err := MatchKind(9).MarshalText()
	assert.Error(t, err)
}

func BenchmarkCompile(b *testing.B) {
	m := store.NewMemoryStore()
	for i := 0; i < 200; i++ {
		m.AddDocument(fmt.Sprintf("doc-%d", i), fmt.Sprintf("new york city %d brooklyn manhattan", i%7))
	}
	if err := m.SetSynonyms("ny", []string{"new york", "nyc"}); err != nil {
		b.Fatal(err)
	}
	if err := m.SetSynonyms("new york", []string{"ny", "big apple"}); err != nil {
		b.Fatal(err)
	}
	p := newTestProducer(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Compile(ctx, m, "newyork city manhatan brookl"); err != nil {
			b.Fatal(err)
		}
	}
}
