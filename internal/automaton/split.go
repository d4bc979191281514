package automaton

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/store"
)

// splitBestFrequency looks for the split of word into two non-empty parts
// whose rarer part is the most frequent in the index. Splits where either
// part is unknown never win, and ties keep the leftmost split. Only exact
// postings frequencies are consulted.
func splitBestFrequency(ctx context.Context, txn store.Txn, word string) (left, right string, ok bool, err error) {
	best := 0
	for i := range word {
		if i == 0 {
			continue
		}
		l, r := word[:i], word[i:]

		lf, err := frequency(ctx, txn, l)
		if err != nil {
			return "", "", false, err
		}
		if lf == 0 {
			continue
		}
		rf, err := frequency(ctx, txn, r)
		if err != nil {
			return "", "", false, err
		}

		if score := min(lf, rf); score > best {
			best = score
			left, right, ok = l, r, true
		}
	}
	return left, right, ok, nil
}

func frequency(ctx context.Context, txn store.Txn, word string) (int, error) {
	postings, err := txn.PostingsList(ctx, word)
	if err != nil {
		return 0, err
	}
	return len(postings), nil
}
