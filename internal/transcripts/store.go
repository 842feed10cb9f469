package transcripts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/livescribe/internal/config"
	_ "modernc.org/sqlite"
)

var ErrEmptyText = errors.New("transcript text must not be empty")

// Record is one finalized utterance. Records are never updated or deleted.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language"`
}

// Store is a SQLite-backed transcript collection.
type Store struct {
	db         *sql.DB
	collection string
	log        *slog.Logger
	clock      func() time.Time
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open initializes the collection according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if !identifier.MatchString(cfg.Collection) {
		return nil, fmt.Errorf("invalid collection name %q", cfg.Collection)
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:         db,
		collection: cfg.Collection,
		log:        log.With(slog.String("component", "transcripts"), slog.String("collection", cfg.Collection)),
		clock:      time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]q (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    text TEXT NOT NULL,
    language TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]q ON %[1]q(created_at);
`, s.collection, "idx_"+s.collection+"_created")
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Collection names the table records are written to.
func (s *Store) Collection() string {
	return s.collection
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores text as a new record. The store assigns ID and timestamp.
func (s *Store) Append(ctx context.Context, text, language string) (Record, error) {
	if strings.TrimSpace(text) == "" {
		return Record{}, ErrEmptyText
	}
	rec := Record{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: s.clock().UTC(),
		Language:  language,
	}
	query := fmt.Sprintf(`INSERT INTO %q(id, text, language, created_at) VALUES(?, ?, ?, ?)`, s.collection)
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.Text, rec.Language, rec.Timestamp.UnixNano()); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`SELECT id, text, language, created_at FROM %q ORDER BY created_at DESC, seq DESC`, s.collection)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Text, &r.Language, &created); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}
