package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/postgres"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(postgres.FromDB(db)), mock
}

func TestPostgresTxnReadsSnapshot(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	dict, err := BuildSet([]string{"ny", "nyc"})
	require.NoError(t, err)
	expansions, err := BuildSet([]string{"new york"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT value FROM main_store").
		WithArgs("synonyms").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(dict))
	mock.ExpectQuery("SELECT postings FROM postings_lists").
		WithArgs("york").
		WillReturnRows(sqlmock.NewRows([]string{"postings"}).
			AddRow([]byte(`[{"doc_id":"d1","frequency":2,"positions":[1,4]}]`)))
	mock.ExpectQuery("SELECT postings FROM postings_lists").
		WithArgs("zzz").
		WillReturnRows(sqlmock.NewRows([]string{"postings"}))
	mock.ExpectQuery("SELECT fst FROM synonyms").
		WithArgs("ny").
		WillReturnRows(sqlmock.NewRows([]string{"fst"}).AddRow(expansions))
	mock.ExpectRollback()

	txn, err := s.ReadTxn(ctx)
	require.NoError(t, err)

	fst, err := txn.SynonymsFST(ctx)
	require.NoError(t, err)
	keys, err := Keys(fst)
	require.NoError(t, err)
	assert.Equal(t, []string{"ny", "nyc"}, keys)

	postings, err := txn.PostingsList(ctx, "york")
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, Posting{DocID: "d1", Frequency: 2, Positions: []int{1, 4}}, postings[0])

	postings, err = txn.PostingsList(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, postings)

	set, err := txn.Synonyms(ctx, "ny")
	require.NoError(t, err)
	keys, err = Keys(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"new york"}, keys)

	require.NoError(t, txn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTxnQueryFailureIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT postings FROM postings_lists").
		WithArgs("york").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	txn, err := s.ReadTxn(ctx)
	require.NoError(t, err)
	_, err = txn.PostingsList(ctx, "york")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStoreUnavailable))
	require.NoError(t, txn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTxnCorruptDataIsCorrupted(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT postings FROM postings_lists").
		WithArgs("york").
		WillReturnRows(sqlmock.NewRows([]string{"postings"}).AddRow([]byte("{not json")))
	mock.ExpectQuery("SELECT fst FROM synonyms").
		WithArgs("ny").
		WillReturnRows(sqlmock.NewRows([]string{"fst"}).AddRow([]byte("garbage")))
	mock.ExpectRollback()

	txn, err := s.ReadTxn(ctx)
	require.NoError(t, err)

	_, err = txn.PostingsList(ctx, "york")
	assert.True(t, errors.Is(err, apperrors.ErrCorrupted))

	_, err = txn.Synonyms(ctx, "ny")
	assert.True(t, errors.Is(err, apperrors.ErrCorrupted))

	require.NoError(t, txn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadTxnBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, err := s.ReadTxn(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStoreUnavailable))
}

func TestPostgresPutSynonymsRebuildsDictionary(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO synonyms").
		WithArgs("ny", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT key FROM synonyms").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("ny").AddRow("sf"))
	mock.ExpectExec("INSERT INTO main_store").
		WithArgs("synonyms", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.PutSynonyms(context.Background(), "ny", []string{"new york"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutSynonymsEmptyDeletes(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM synonyms").
		WithArgs("ny").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT key FROM synonyms").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec("INSERT INTO main_store").
		WithArgs("synonyms", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.PutSynonyms(context.Background(), "ny", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS main_store").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
