package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/vellum"
	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/tokenizer"
)

// MemoryStore is an in-memory index. Writers build a new snapshot and swap
// it in atomically; a read transaction keeps the snapshot that was current
// when it was opened, so readers never block writers and never observe a
// half-applied update.
type MemoryStore struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

type snapshot struct {
	version     uint64
	index       map[string]map[string]*Posting
	docCount    int
	synonymKeys *vellum.FST
	synonyms    map[string][]string
	synonymSets map[string]*vellum.FST
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		logger: slog.Default().With("component", "memory-store"),
	}
	m.current.Store(&snapshot{
		index:       make(map[string]map[string]*Posting),
		synonyms:    make(map[string][]string),
		synonymSets: make(map[string]*vellum.FST),
	})
	return m
}

// AddDocument indexes the normalized words of text under docID.
func (m *MemoryStore) AddDocument(docID string, text string) {
	tokens := tokenizer.Tokenize(text)
	termData := make(map[string]*Posting)
	for _, token := range tokens {
		term := normalize.String(token.Term)
		if term == "" {
			continue
		}
		p, exists := termData[term]
		if !exists {
			p = &Posting{
				DocID:     docID,
				Positions: make([]int, 0, 4),
			}
			termData[term] = p
		}
		p.Frequency++
		p.Positions = append(p.Positions, token.Position)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current.Load()
	next := old.clone()
	for term, posting := range termData {
		docs := make(map[string]*Posting, len(old.index[term])+1)
		for id, p := range old.index[term] {
			docs[id] = p
		}
		docs[docID] = posting
		next.index[term] = docs
	}
	next.docCount++
	m.current.Store(next)

	m.logger.Debug("document indexed",
		"doc_id", docID,
		"terms", len(termData),
		"version", next.version,
	)
}

// SetSynonyms registers the expansions of key, replacing any previous ones.
// Key and expansions are normalized; an empty expansion list removes key.
func (m *MemoryStore) SetSynonyms(key string, expansions []string) error {
	normKey := normalize.String(key)
	if normKey == "" {
		return fmt.Errorf("synonym key %q normalizes to an empty string", key)
	}
	alternatives := make([]string, 0, len(expansions))
	for _, e := range expansions {
		if n := normalize.String(e); n != "" {
			alternatives = append(alternatives, n)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current.Load()
	next := old.clone()
	if len(alternatives) == 0 {
		delete(next.synonyms, normKey)
		delete(next.synonymSets, normKey)
	} else {
		set, err := LoadSet(alternatives)
		if err != nil {
			return fmt.Errorf("building expansions of %q: %w", normKey, err)
		}
		next.synonyms[normKey] = alternatives
		next.synonymSets[normKey] = set
	}

	keys := make([]string, 0, len(next.synonyms))
	for k := range next.synonyms {
		keys = append(keys, k)
	}
	fst, err := LoadSet(keys)
	if err != nil {
		return fmt.Errorf("building synonym dictionary: %w", err)
	}
	next.synonymKeys = fst
	m.current.Store(next)
	return nil
}

// Version increments with every write.
func (m *MemoryStore) Version() uint64 {
	return m.current.Load().version
}

// DocCount returns the number of documents added so far.
func (m *MemoryStore) DocCount() int {
	return m.current.Load().docCount
}

// ReadTxn pins the current snapshot.
func (m *MemoryStore) ReadTxn(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTxn{snap: m.current.Load()}, nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		version:     s.version + 1,
		index:       make(map[string]map[string]*Posting, len(s.index)),
		docCount:    s.docCount,
		synonymKeys: s.synonymKeys,
		synonyms:    make(map[string][]string, len(s.synonyms)),
		synonymSets: make(map[string]*vellum.FST, len(s.synonymSets)),
	}
	for term, docs := range s.index {
		next.index[term] = docs
	}
	for k, v := range s.synonyms {
		next.synonyms[k] = v
	}
	for k, v := range s.synonymSets {
		next.synonymSets[k] = v
	}
	return next
}

type memoryTxn struct {
	snap *snapshot
}

func (t *memoryTxn) SynonymsFST(ctx context.Context) (*vellum.FST, error) {
	return t.snap.synonymKeys, nil
}

func (t *memoryTxn) PostingsList(ctx context.Context, word string) (PostingsList, error) {
	docs, ok := t.snap.index[word]
	if !ok {
		return nil, nil
	}
	result := make(PostingsList, 0, len(docs))
	for _, posting := range docs {
		result = append(result, *posting)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result, nil
}

func (t *memoryTxn) Synonyms(ctx context.Context, key string) (*vellum.FST, error) {
	return t.snap.synonymSets[key], nil
}

func (t *memoryTxn) Close() error {
	return nil
}

// Seed is the YAML layout accepted by LoadSeed.
type Seed struct {
	Documents []SeedDocument      `yaml:"documents"`
	Synonyms  map[string][]string `yaml:"synonyms"`
}

// SeedDocument is one document of a Seed.
type SeedDocument struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// LoadSeed reads a YAML seed file into a new MemoryStore. An empty path
// yields an empty store.
func LoadSeed(path string) (*MemoryStore, error) {
	m := NewMemoryStore()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	if err := m.Apply(seed); err != nil {
		return nil, fmt.Errorf("applying seed file %s: %w", path, err)
	}
	m.logger.Info("memory store seeded",
		"path", path,
		"documents", len(seed.Documents),
		"synonyms", len(seed.Synonyms),
	)
	return m, nil
}

// Apply adds every document and synonym of seed. Synonym keys are applied
// in sorted order.
func (m *MemoryStore) Apply(seed Seed) error {
	for _, doc := range seed.Documents {
		m.AddDocument(doc.ID, doc.Text)
	}
	keys := make([]string, 0, len(seed.Synonyms))
	for k := range seed.Synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.SetSynonyms(k, seed.Synonyms[k]); err != nil {
			return err
		}
	}
	return nil
}
