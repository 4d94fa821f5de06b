package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/buslog-go/internal/storage"
)

const defaultWindow = time.Minute

func init() {
	storage.Register(storage.Driver{
		Name:  "postgres",
		Match: IsPostgresURL,
		Open: func(ctx context.Context, dest string) (storage.Store, error) {
			return New(ctx, Config{ConnString: dest})
		},
	})
}

type Config struct {
	ConnString string
	MaxConns   int32
}

// Store хранит журнал сообщений в таблице bus_log. Смещения хранятся
// в микросекундах (offset_usec), порядок воспроизведения задаётся парой
// (offset_usec, seq).
type Store struct {
	pool    *pgxpool.Pool
	session storage.Session
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSession(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS bus_log (
			seq         BIGSERIAL PRIMARY KEY,
			topic       TEXT NOT NULL,
			msg_type    TEXT NOT NULL,
			payload     BYTEA NOT NULL,
			offset_usec BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS bus_log_offset_idx ON bus_log (offset_usec, seq)`,
		`CREATE TABLE IF NOT EXISTS bus_log_session (
			id         TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL
		)`,
	} {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureSession(ctx context.Context) error {
	row := s.pool.QueryRow(ctx,
		`SELECT id, started_at FROM bus_log_session ORDER BY started_at LIMIT 1`)
	var id string
	var started time.Time
	err := row.Scan(&id, &started)
	switch {
	case err == nil:
		s.session = storage.Session{ID: id, StartedAt: started}
		return nil
	case err == pgx.ErrNoRows:
		s.session = storage.Session{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO bus_log_session (id, started_at) VALUES ($1, $2)`,
			s.session.ID, s.session.StartedAt); err != nil {
			return fmt.Errorf("postgres: insert session: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("postgres: read session: %w", err)
	}
}

func (s *Store) Append(ctx context.Context, msg storage.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bus_log (topic, msg_type, payload, offset_usec) VALUES ($1, $2, $3, $4)`,
		msg.Topic, msg.Type, msg.Payload, msg.Offset.Microseconds())
	if err != nil {
		return fmt.Errorf("postgres: append: %w", err)
	}
	return nil
}

func (s *Store) Stream(ctx context.Context, req storage.Request) (<-chan []storage.Message, <-chan error) {
	dataCh := make(chan []storage.Message)
	errCh := make(chan error, 1)

	go func() {
		defer close(dataCh)
		defer close(errCh)

		if len(req.Topics) == 0 {
			errCh <- fmt.Errorf("postgres: stream topics list is empty")
			return
		}

		window := req.Window
		if window <= 0 {
			window = defaultWindow
		}
		windowUsec := window.Microseconds()

		cursor := req.From.Microseconds()
		end := req.To.Microseconds()
		for cursor <= end {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			// Верхняя граница окна исключающая, поэтому последнее окно
			// накрывает end через end+1.
			next := cursor + windowUsec
			if next > end+1 {
				next = end + 1
			}

			chunk, err := s.readWindow(ctx, req.Topics, cursor, next)
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

func (s *Store) readWindow(ctx context.Context, topics []string, fromUsec, toUsec int64) ([]storage.Message, error) {
	rows, err := s.pool.Query(ctx, windowSQL, topics, fromUsec, toUsec)
	if err != nil {
		return nil, fmt.Errorf("postgres: window query: %w", err)
	}
	defer rows.Close()

	var chunk []storage.Message
	for rows.Next() {
		var msg storage.Message
		var offsetUsec int64
		if err := rows.Scan(&msg.Seq, &msg.Topic, &msg.Type, &msg.Payload, &offsetUsec); err != nil {
			return nil, fmt.Errorf("postgres: window scan: %w", err)
		}
		msg.Offset = time.Duration(offsetUsec) * time.Microsecond
		chunk = append(chunk, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows err: %w", err)
	}
	return chunk, nil
}

func (s *Store) Topics(ctx context.Context) ([]storage.TopicInfo, error) {
	rows, err := s.pool.Query(ctx, topicsSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: topics query: %w", err)
	}
	defer rows.Close()

	var infos []storage.TopicInfo
	for rows.Next() {
		var info storage.TopicInfo
		var firstUsec, lastUsec int64
		if err := rows.Scan(&info.Name, &firstUsec, &lastUsec, &info.Count); err != nil {
			return nil, fmt.Errorf("postgres: topics scan: %w", err)
		}
		info.First = time.Duration(firstUsec) * time.Microsecond
		info.Last = time.Duration(lastUsec) * time.Microsecond
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Range(ctx context.Context, topics []string) (time.Duration, time.Duration, int64, error) {
	if len(topics) == 0 {
		return 0, 0, 0, fmt.Errorf("postgres: topics list is empty")
	}

	var minUsec, maxUsec *int64
	var count int64
	if err := s.pool.QueryRow(ctx, rangeSQL, topics).Scan(&minUsec, &maxUsec, &count); err != nil {
		return 0, 0, 0, fmt.Errorf("postgres: range scan: %w", err)
	}
	if count == 0 || minUsec == nil || maxUsec == nil {
		return 0, 0, 0, nil
	}
	return time.Duration(*minUsec) * time.Microsecond,
		time.Duration(*maxUsec) * time.Microsecond,
		count, nil
}

func (s *Store) Session(ctx context.Context) (storage.Session, error) {
	return s.session, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const windowSQL = `
SELECT seq, topic, msg_type, payload, offset_usec
FROM bus_log
WHERE topic = ANY($1)
  AND offset_usec >= $2
  AND offset_usec < $3
ORDER BY offset_usec, seq;
`

const topicsSQL = `
SELECT topic, MIN(offset_usec), MAX(offset_usec), COUNT(*)
FROM bus_log
GROUP BY topic
ORDER BY topic;
`

const rangeSQL = `
SELECT MIN(offset_usec), MAX(offset_usec), COUNT(*)
FROM bus_log
WHERE topic = ANY($1);
`

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
