package automaton

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/vellum"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
)

// fanOutSynonyms streams the synonym dictionary through lev and, for every
// key with as many words as the window, emits one automaton per registered
// expansion. Keys come out in dictionary order.
func (c *compilation) fanOutSynonyms(ctx context.Context, w window, lev vellum.Automaton) error {
	if c.dictionary == nil {
		return nil
	}
	itr, err := c.dictionary.Search(lev, nil, nil)
	for err == nil {
		raw, _ := itr.Current()
		key := string(raw)
		switch {
		case !utf8.ValidString(key):
			c.logger.Warn("skipping malformed synonym key", "key", fmt.Sprintf("%q", raw))
		case tokenizer.CountWords(key) == w.size():
			if err := c.expand(ctx, w, key); err != nil {
				return err
			}
		}
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return fmt.Errorf("%w: searching synonym dictionary: %w", apperrors.ErrCorrupted, err)
	}
	return nil
}

// expand emits the expansions registered for one dictionary key.
func (c *compilation) expand(ctx context.Context, w window, key string) error {
	set, err := c.txn.Synonyms(ctx, key)
	if err != nil {
		return err
	}
	if set == nil {
		return nil
	}

	var expansions []string
	itr, err := set.Iterator(nil, nil)
	for err == nil {
		raw, _ := itr.Current()
		expansions = append(expansions, string(raw))
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return fmt.Errorf("%w: reading expansions of %q: %w", apperrors.ErrCorrupted, key, err)
	}

	for _, expansion := range expansions {
		if !utf8.ValidString(expansion) {
			c.logger.Warn("skipping malformed synonym expansion", "key", key, "expansion", fmt.Sprintf("%q", expansion))
			continue
		}
		words := tokenizer.SplitQuery(expansion)
		if len(words) == 0 {
			continue
		}

		kind := Exact
		if len(words) > 1 {
			kind = NonExact
		}
		index := c.indices.take()
		c.enhancer.Declare(w.origin, index, words)
		c.push(NormalGroup(newAutomaton(index, w.size(), kind, strings.Join(words, " "), c.policy)))
		c.stats.Synonyms++
	}
	return nil
}
