// Package store defines the read-only view of the index that query
// compilation consults, and the backends that provide it.
//
// A Txn is a consistent snapshot: every lookup made through one Txn observes
// the same state of the index even while writers keep updating the backend.
package store

import (
	"context"

	"github.com/blevesearch/vellum"
)

// Posting records the occurrences of one word in one document.
type Posting struct {
	DocID     string `json:"doc_id"`
	Frequency int    `json:"frequency"`
	Positions []int  `json:"positions"`
}

// PostingsList holds one Posting per document containing a word.
type PostingsList []Posting

// Store opens read transactions.
type Store interface {
	ReadTxn(ctx context.Context) (Txn, error)
}

// Txn is a read-only snapshot of the index. Lookups that find nothing return
// a nil value and a nil error.
type Txn interface {
	// SynonymsFST returns the set of every synonym dictionary key.
	SynonymsFST(ctx context.Context) (*vellum.FST, error)
	// PostingsList returns the postings of an exact word.
	PostingsList(ctx context.Context, word string) (PostingsList, error)
	// Synonyms returns the set of expansions registered for key. Multi-word
	// expansions are stored space-joined.
	Synonyms(ctx context.Context, key string) (*vellum.FST, error)
	// Close releases the snapshot.
	Close() error
}
