package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id         TEXT PRIMARY KEY,
	wizard     TEXT NOT NULL,
	unique_key TEXT,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (wizard, unique_key)
);

CREATE INDEX IF NOT EXISTS idx_submissions_wizard ON submissions(wizard);
`

// Submission is one stored row.
type Submission struct {
	ID        string
	Wizard    string
	UniqueKey string
	Values    map[string]any
	CreatedAt time.Time
}

// SQLStore keeps submissions in a SQL database: a local SQLite file for
// development and demos, or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

type dialect struct {
	driver string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	unique   func(error) bool
}

var (
	sqliteDialect = dialect{
		driver: "sqlite",
		unique: func(err error) bool {
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	}
	postgresDialect = dialect{
		driver:   "postgres",
		numbered: true,
		unique: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}
)

// OpenSQLite opens (or creates) the database at path and creates the schema.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection of an in-memory database is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: set WAL mode: %w", err)
	}
	return initStore(ctx, db, sqliteDialect)
}

// OpenPostgres connects to the database at dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: connect postgres: %w", err)
	}
	return initStore(ctx, db, postgresDialect)
}

func initStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: create schema: %w", err)
	}
	return &SQLStore{db: db, dialect: d, now: time.Now}, nil
}

// Driver names the database driver, "sqlite" or "postgres".
func (s *SQLStore) Driver() string {
	return s.dialect.driver
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Sink returns a sink storing submissions of wizardID. When uniqueField is
// set, a second submission with the same value of that field is rejected.
func (s *SQLStore) Sink(wizardID, uniqueField string) Sink {
	return Func(func(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
		return s.insert(ctx, wizardID, uniqueField, values)
	})
}

func (s *SQLStore) insert(ctx context.Context, wizardID, uniqueField string, values forms.Values) (*wizard.Receipt, error) {
	payload := Payload(values)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sink: encode payload: %w", err)
	}

	var key sql.NullString
	if uniqueField != "" {
		if v := strings.TrimSpace(values.String(uniqueField)); v != "" {
			key = sql.NullString{String: strings.ToLower(v), Valid: true}
		}
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO submissions (id, wizard, unique_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), id, wizardID, key, string(body), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if s.dialect.unique(err) {
			return nil, &wizard.SubmissionError{
				Message: uniqueField + " already taken",
				Fields:  map[string]string{uniqueField: fmt.Sprintf("This %s is already taken", uniqueField)},
				Status:  409,
				Err:     err,
			}
		}
		return nil, fmt.Errorf("sink: insert submission: %w", err)
	}
	return &wizard.Receipt{ID: id, Data: payload}, nil
}

// Submissions lists the stored submissions of wizardID, oldest first.
func (s *SQLStore) Submissions(ctx context.Context, wizardID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, wizard, COALESCE(unique_key, ''), payload, created_at
		FROM submissions
		WHERE wizard = ?
		ORDER BY created_at, id
	`), wizardID)
	if err != nil {
		return nil, fmt.Errorf("sink: list submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var (
			sub       Submission
			payload   string
			createdAt string
		)
		if err := rows.Scan(&sub.ID, &sub.Wizard, &sub.UniqueKey, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("sink: scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &sub.Values); err != nil {
			return nil, fmt.Errorf("sink: decode submission %s: %w", sub.ID, err)
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}
