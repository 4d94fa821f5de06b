package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pv/buslog-go/internal/storage"
)

const (
	filterTable      = "tm_topics"
	defaultWindowDur = time.Minute
)

// SchemaLocationEnvVar указывает файл со схемой журнала; если переменная
// не задана, используется встроенная схема.
const SchemaLocationEnvVar = "BUSLOG_SQL_SCHEMA"

// Pragmas управляет настройками SQLite-подключения.
type Pragmas struct {
	CacheMB    int
	WAL        bool
	SyncOff    bool
	TempMemory bool
}

type Config struct {
	Source  string
	Pragmas Pragmas
}

type Store struct {
	db *sql.DB
}

func init() {
	storage.Register(storage.Driver{
		Name:  "sqlite",
		Match: IsSource,
		Open: func(ctx context.Context, dest string) (storage.Store, error) {
			return New(ctx, Config{Source: NormalizeSource(dest)})
		},
	})
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Одно подключение: иначе in-memory назначения распадаются на разные
	// базы, а temp-таблица фильтра остаётся на чужом подключении.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	store := &Store{db: db}
	if err := store.applyPragmas(ctx, cfg.Pragmas); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.ensureSession(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Append(ctx context.Context, msg storage.Message) error {
	_, err := s.db.ExecContext(ctx, insertSQL, msg.Topic, msg.Type, msg.Payload, msg.Offset.Microseconds())
	if err != nil {
		return fmt.Errorf("sqlite: append %s: %w", msg.Topic, err)
	}
	return nil
}

func (s *Store) Stream(ctx context.Context, req storage.Request) (<-chan []storage.Message, <-chan error) {
	dataCh := make(chan []storage.Message)
	errCh := make(chan error, 1)

	go func() {
		defer close(dataCh)
		defer close(errCh)

		if err := s.resetFilter(ctx, req.Topics); err != nil {
			errCh <- err
			return
		}

		window := req.Window
		if window <= 0 {
			window = defaultWindowDur
		}
		windowUsec := window.Microseconds()
		if windowUsec <= 0 {
			windowUsec = 1
		}

		cursor := req.From.Microseconds()
		end := req.To.Microseconds()
		for cursor <= end {
			next := cursor + windowUsec
			if next > end {
				next = end + 1
			}

			rows, err := s.db.QueryContext(ctx, windowSQL, cursor, next)
			if err != nil {
				errCh <- fmt.Errorf("sqlite: window query: %w", err)
				return
			}
			chunk, err := scanMessages(rows)
			if err != nil {
				errCh <- err
				return
			}

			if len(chunk) > 0 {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case dataCh <- chunk:
				}
			}
			cursor = next
		}
	}()

	return dataCh, errCh
}

func (s *Store) Topics(ctx context.Context) ([]storage.TopicInfo, error) {
	rows, err := s.db.QueryContext(ctx, topicsSQL)
	if err != nil {
		return nil, fmt.Errorf("sqlite: topics query: %w", err)
	}
	defer rows.Close()

	var infos []storage.TopicInfo
	for rows.Next() {
		var info storage.TopicInfo
		var first, last int64
		if err := rows.Scan(&info.Name, &first, &last, &info.Count); err != nil {
			return nil, fmt.Errorf("sqlite: topics scan: %w", err)
		}
		info.First = time.Duration(first) * time.Microsecond
		info.Last = time.Duration(last) * time.Microsecond
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Range(ctx context.Context, topics []string) (time.Duration, time.Duration, int64, error) {
	if err := s.resetFilter(ctx, topics); err != nil {
		return 0, 0, 0, err
	}
	row := s.db.QueryRowContext(ctx, rangeSQL)
	var min, max sql.NullInt64
	var count int64
	if err := row.Scan(&min, &max, &count); err != nil {
		return 0, 0, 0, fmt.Errorf("sqlite: range scan: %w", err)
	}
	if !min.Valid || !max.Valid {
		return 0, 0, 0, nil
	}
	return time.Duration(min.Int64) * time.Microsecond,
		time.Duration(max.Int64) * time.Microsecond,
		count, nil
}

func (s *Store) Session(ctx context.Context) (storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, started_at FROM session_meta LIMIT 1`)
	var sess storage.Session
	var startedAt string
	if err := row.Scan(&sess.ID, &startedAt); err != nil {
		return storage.Session{}, fmt.Errorf("sqlite: session scan: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return storage.Session{}, fmt.Errorf("sqlite: unknown started_at format %q: %v", startedAt, err)
	}
	sess.StartedAt = parsed
	return sess, nil
}

func (s *Store) applyPragmas(ctx context.Context, p Pragmas) error {
	stmts := make([]string, 0, 4)
	if p.CacheMB > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size=-%d", p.CacheMB*1024))
	}
	if p.WAL {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	if p.SyncOff {
		stmts = append(stmts, "PRAGMA synchronous=OFF")
	}
	if p.TempMemory {
		stmts = append(stmts, "PRAGMA temp_store=MEMORY")
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: %s: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := schemaSQL
	if path := os.Getenv(SchemaLocationEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("sqlite: read schema %s: %w", path, err)
		}
		schema = string(data)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func (s *Store) ensureSession(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_meta`).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: session count: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_meta(id, started_at) VALUES (?, ?)`,
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: init session: %w", err)
	}
	return nil
}

func (s *Store) ensureFilterTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE IF NOT EXISTS %s(topic TEXT PRIMARY KEY)`, filterTable))
	if err != nil {
		return fmt.Errorf("sqlite: init filter table: %w", err)
	}
	return nil
}

func (s *Store) resetFilter(ctx context.Context, topics []string) error {
	if err := s.ensureFilterTable(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, filterTable)); err != nil {
		return fmt.Errorf("sqlite: failed to clear filter: %w", err)
	}
	if len(topics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s(topic) VALUES (?)`, filterTable))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	for _, topic := range topics {
		if _, err := stmt.ExecContext(ctx, topic); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("sqlite: insert topic %s: %w", topic, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit filter tx: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]storage.Message, error) {
	defer rows.Close()
	chunk := make([]storage.Message, 0, 128)
	for rows.Next() {
		var msg storage.Message
		var offsetUsec int64
		if err := rows.Scan(&msg.Seq, &msg.Topic, &msg.Type, &msg.Payload, &offsetUsec); err != nil {
			return nil, fmt.Errorf("sqlite: message scan: %w", err)
		}
		msg.Offset = time.Duration(offsetUsec) * time.Microsecond
		chunk = append(chunk, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows err: %w", err)
	}
	return chunk, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	msg_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	offset_usec INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_offset_idx ON messages(offset_usec, seq);
CREATE TABLE IF NOT EXISTS session_meta (
	id TEXT NOT NULL,
	started_at TEXT NOT NULL
);
`

const insertSQL = `INSERT INTO messages(topic, msg_type, payload, offset_usec) VALUES (?, ?, ?, ?)`

const windowSQL = `
SELECT seq, topic, msg_type, payload, offset_usec
FROM messages
WHERE topic IN (SELECT topic FROM ` + filterTable + `)
  AND offset_usec >= ?
  AND offset_usec < ?
ORDER BY offset_usec, seq;
`

const topicsSQL = `
SELECT topic, MIN(offset_usec), MAX(offset_usec), COUNT(*)
FROM messages
GROUP BY topic
ORDER BY topic;
`

const rangeSQL = `
SELECT MIN(offset_usec), MAX(offset_usec), COUNT(*)
FROM messages
WHERE topic IN (SELECT topic FROM ` + filterTable + `);
`

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
