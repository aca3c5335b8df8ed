package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lib/pq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

func TestSQLite_UniqueField(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Ping(ctx))
	assert.Equal(t, "sqlite", store.Driver())

	players := store.Sink("player-signup", "username")

	receipt, err := players.Submit(ctx, forms.Values{"username": "Ana", "email": "ana@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)

	_, err = players.Submit(ctx, forms.Values{"username": "ana", "email": "other@example.com"})
	var rejection *wizard.SubmissionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "username already taken", rejection.Message)
	assert.Equal(t, "This username is already taken", rejection.Fields["username"])

	// Other wizards and keyless sinks are independent.
	_, err = store.Sink("match-result", "").Submit(ctx, forms.Values{"username": "ana"})
	require.NoError(t, err)
	_, err = store.Sink("match-result", "").Submit(ctx, forms.Values{"username": "ana"})
	require.NoError(t, err)

	subs, err := store.Submissions(ctx, "player-signup")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "ana", subs[0].UniqueKey)
	assert.Equal(t, "ana@example.com", subs[0].Values["email"])

	matches, err := store.Submissions(ctx, "match-result")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSQLStore_Rebind(t *testing.T) {
	lite := &SQLStore{dialect: sqliteDialect}
	pg := &SQLStore{dialect: postgresDialect}
	query := "INSERT INTO submissions (id, wizard) VALUES (?, ?)"

	assert.Equal(t, query, lite.rebind(query))
	assert.Equal(t, "INSERT INTO submissions (id, wizard) VALUES ($1, $2)", pg.rebind(query))
}

func TestDialect_UniqueViolation(t *testing.T) {
	assert.True(t, sqliteDialect.unique(errors.New("constraint failed: UNIQUE constraint failed: submissions.wizard, submissions.unique_key (2067)")))
	assert.False(t, sqliteDialect.unique(errors.New("database is locked")))

	assert.True(t, postgresDialect.unique(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, postgresDialect.unique(&pq.Error{Code: "23502"}))
	assert.False(t, postgresDialect.unique(errors.New("UNIQUE constraint failed")))
}

func TestPostgres_UniqueField(t *testing.T) {
	dsn := os.Getenv("LIVEWIZARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVEWIZARD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.db.ExecContext(ctx, "DELETE FROM submissions WHERE wizard = 'pg-test'")
		store.Close()
	})
	assert.Equal(t, "postgres", store.Driver())

	players := store.Sink("pg-test", "username")
	_, err = players.Submit(ctx, forms.Values{"username": "Ana"})
	require.NoError(t, err)
	_, err = players.Submit(ctx, forms.Values{"username": "ANA"})
	var rejection *wizard.SubmissionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, 409, rejection.Status)

	subs, err := store.Submissions(ctx, "pg-test")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
