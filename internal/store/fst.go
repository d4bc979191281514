package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/blevesearch/vellum"
)

// BuildSet encodes keys as an FST set. Keys are sorted and deduplicated
// first, as the builder requires strictly increasing insertions.
func BuildSet(keys []string) ([]byte, error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("creating fst builder: %w", err)
	}
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		if err := builder.Insert([]byte(key), 0); err != nil {
			return nil, fmt.Errorf("inserting %q into fst: %w", key, err)
		}
	}
	if err := builder.Close(); err != nil {
		return nil, fmt.Errorf("closing fst builder: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadSet builds the set for keys and opens it, returning nil for an empty
// key list.
func LoadSet(keys []string) (*vellum.FST, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	data, err := BuildSet(keys)
	if err != nil {
		return nil, err
	}
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading fst: %w", err)
	}
	return fst, nil
}

// Keys lists every key of fst in order.
func Keys(fst *vellum.FST) ([]string, error) {
	if fst == nil {
		return nil, nil
	}
	var keys []string
	itr, err := fst.Iterator(nil, nil)
	for err == nil {
		key, _ := itr.Current()
		keys = append(keys, string(key))
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return nil, fmt.Errorf("iterating fst: %w", err)
	}
	return keys, nil
}
