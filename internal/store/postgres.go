package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/blevesearch/vellum"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/postgres"
)

const synonymsKey = "synonyms"

const schema = `
CREATE TABLE IF NOT EXISTS main_store (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS postings_lists (
	word     TEXT PRIMARY KEY,
	postings BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS synonyms (
	key TEXT PRIMARY KEY,
	fst BYTEA NOT NULL
);`

// PostgresStore keeps the index in three tables: main_store holds the
// synonym dictionary FST, postings_lists the JSON-encoded postings per word
// and synonyms the expansion FST per dictionary key. Each read transaction
// is a REPEATABLE READ, READ ONLY database transaction.
type PostgresStore struct {
	client *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(client *postgres.Client) *PostgresStore {
	return &PostgresStore{
		client: client,
		logger: slog.Default().With("component", "postgres-store"),
	}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating index tables: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ReadTxn(ctx context.Context) (Txn, error) {
	tx, err := s.client.BeginSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return &postgresTxn{tx: tx}, nil
}

// PutPostings replaces the postings list of word.
func (s *PostgresStore) PutPostings(ctx context.Context, word string, postings PostingsList) error {
	data, err := json.Marshal(postings)
	if err != nil {
		return fmt.Errorf("encoding postings of %q: %w", word, err)
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO postings_lists (word, postings) VALUES ($1, $2)
			 ON CONFLICT (word) DO UPDATE SET postings = EXCLUDED.postings`,
			word, data,
		)
		if err != nil {
			return fmt.Errorf("storing postings of %q: %w", word, err)
		}
		return nil
	})
}

// PutSynonyms replaces the expansions of key and rebuilds the dictionary FST
// in the same transaction. An empty expansion list removes key.
func (s *PostgresStore) PutSynonyms(ctx context.Context, key string, expansions []string) error {
	var set []byte
	if len(expansions) > 0 {
		var err error
		if set, err = BuildSet(expansions); err != nil {
			return fmt.Errorf("building expansions of %q: %w", key, err)
		}
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if set == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM synonyms WHERE key = $1`, key); err != nil {
				return fmt.Errorf("deleting synonyms of %q: %w", key, err)
			}
		} else {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO synonyms (key, fst) VALUES ($1, $2)
				 ON CONFLICT (key) DO UPDATE SET fst = EXCLUDED.fst`,
				key, set,
			)
			if err != nil {
				return fmt.Errorf("storing synonyms of %q: %w", key, err)
			}
		}

		rows, err := tx.QueryContext(ctx, `SELECT key FROM synonyms ORDER BY key`)
		if err != nil {
			return fmt.Errorf("listing synonym keys: %w", err)
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return fmt.Errorf("scanning synonym key: %w", err)
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating synonym keys: %w", err)
		}

		dict, err := BuildSet(keys)
		if err != nil {
			return fmt.Errorf("building synonym dictionary: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO main_store (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			synonymsKey, dict,
		)
		if err != nil {
			return fmt.Errorf("storing synonym dictionary: %w", err)
		}
		s.logger.Info("synonyms updated", "key", key, "expansions", len(expansions), "dictionary_size", len(keys))
		return nil
	})
}

// CopyFrom writes every posting and synonym of a memory snapshot. Used to
// seed a database from a YAML seed file.
func (s *PostgresStore) CopyFrom(ctx context.Context, m *MemoryStore) error {
	snap := m.current.Load()
	words := make([]string, 0, len(snap.index))
	for w := range snap.index {
		words = append(words, w)
	}
	sort.Strings(words)

	txn := &memoryTxn{snap: snap}
	for _, w := range words {
		postings, _ := txn.PostingsList(ctx, w)
		if err := s.PutPostings(ctx, w, postings); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(snap.synonyms))
	for k := range snap.synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.PutSynonyms(ctx, k, snap.synonyms[k]); err != nil {
			return err
		}
	}
	return nil
}

type postgresTxn struct {
	tx *sql.Tx
}

func (t *postgresTxn) SynonymsFST(ctx context.Context) (*vellum.FST, error) {
	data, err := t.bytes(ctx, `SELECT value FROM main_store WHERE key = $1`, synonymsKey)
	if err != nil || data == nil {
		return nil, err
	}
	return loadFST(data, "synonym dictionary")
}

func (t *postgresTxn) PostingsList(ctx context.Context, word string) (PostingsList, error) {
	data, err := t.bytes(ctx, `SELECT postings FROM postings_lists WHERE word = $1`, word)
	if err != nil || data == nil {
		return nil, err
	}
	var postings PostingsList
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, fmt.Errorf("%w: decoding postings of %q: %w", apperrors.ErrCorrupted, word, err)
	}
	return postings, nil
}

func (t *postgresTxn) Synonyms(ctx context.Context, key string) (*vellum.FST, error) {
	data, err := t.bytes(ctx, `SELECT fst FROM synonyms WHERE key = $1`, key)
	if err != nil || data == nil {
		return nil, err
	}
	return loadFST(data, fmt.Sprintf("expansions of %q", key))
}

func (t *postgresTxn) Close() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("closing read transaction: %w", err)
	}
	return nil
}

// bytes returns nil, nil when the row does not exist.
func (t *postgresTxn) bytes(ctx context.Context, query string, arg string) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return data, nil
}

func loadFST(data []byte, what string) (*vellum.FST, error) {
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %w", apperrors.ErrCorrupted, what, err)
	}
	return fst, nil
}
