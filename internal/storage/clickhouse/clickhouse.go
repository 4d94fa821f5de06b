package clickhouse

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/pv/buslog-go/internal/storage"
)

const (
	defaultWindow = 5 * time.Second
	filterTable   = "tm_topics"
)

func init() {
	storage.Register(storage.Driver{
		Name:  "clickhouse",
		Match: IsSource,
		Open: func(ctx context.Context, dest string) (storage.Store, error) {
			return New(ctx, Config{DSN: dest})
		},
	})
}

type Config struct {
	DSN   string
	Table string
}

// Store пишет журнал в таблицу MergeTree, упорядоченную по
// (offset_usec, seq). ClickHouse не даёт автоинкремента, поэтому seq
// ведётся счётчиком в памяти, начиная с max(seq) существующей таблицы.
type Store struct {
	conn    ch.Conn
	table   string
	session storage.Session

	mu      sync.Mutex
	nextSeq int64
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("clickhouse: DSN is empty")
	}
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse DSN: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = "localhost:9000"
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "9000")
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = "default"
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()

	opts := &ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "bus_log"
	}
	if !strings.Contains(table, ".") {
		table = fmt.Sprintf("%s.%s", database, table)
	}

	s := &Store{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.loadSeq(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensureSession(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq         Int64,
		topic       String,
		msg_type    String,
		payload     String,
		offset_usec Int64
	) ENGINE = MergeTree ORDER BY (offset_usec, seq)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse: ensure schema: %w", err)
	}
	sessDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_session (
		id         String,
		started_at DateTime64(6, 'UTC')
	) ENGINE = TinyLog`, s.table)
	if err := s.conn.Exec(ctx, sessDDL); err != nil {
		return fmt.Errorf("clickhouse: ensure session schema: %w", err)
	}
	return nil
}

func (s *Store) loadSeq(ctx context.Context) error {
	var maxSeq int64
	query := fmt.Sprintf("SELECT max(seq) FROM %s", s.table)
	if err := s.conn.QueryRow(ctx, query).Scan(&maxSeq); err != nil {
		return fmt.Errorf("clickhouse: load seq: %w", err)
	}
	s.nextSeq = maxSeq + 1
	return nil
}

func (s *Store) ensureSession(ctx context.Context) error {
	query := fmt.Sprintf("SELECT id, started_at FROM %s_session ORDER BY started_at LIMIT 1", s.table)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("clickhouse: read session: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		var id string
		var started time.Time
		if err := rows.Scan(&id, &started); err != nil {
			return fmt.Errorf("clickhouse: scan session: %w", err)
		}
		s.session = storage.Session{ID: id, StartedAt: started}
		return nil
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("clickhouse: read session: %w", err)
	}
	s.session = storage.Session{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	insert := fmt.Sprintf("INSERT INTO %s_session (id, started_at) VALUES (@id, @started)", s.table)
	if err := s.conn.Exec(ctx, insert,
		ch.Named("id", s.session.ID), ch.Named("started", s.session.StartedAt)); err != nil {
		return fmt.Errorf("clickhouse: insert session: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, msg storage.Message) error {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	batch, err := s.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s (seq, topic, msg_type, payload, offset_usec)", s.table))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare append: %w", err)
	}
	if err := batch.Append(seq, msg.Topic, msg.Type, string(msg.Payload), msg.Offset.Microseconds()); err != nil {
		return fmt.Errorf("clickhouse: append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send append: %w", err)
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
			errCh <- fmt.Errorf("clickhouse: stream topics list is empty")
			return
		}
		if err := s.refreshFilter(ctx, req.Topics); err != nil {
			errCh <- err
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

			next := cursor + windowUsec
			if next > end+1 {
				next = end + 1
			}

			query := fmt.Sprintf(streamSQL, s.table, filterTable)
			rows, err := s.conn.Query(ctx, query,
				ch.Named("from", cursor), ch.Named("to", next))
			if err != nil {
				errCh <- fmt.Errorf("clickhouse: stream query: %w", err)
				return
			}
			batch := make([]storage.Message, 0, 256)
			for rows.Next() {
				var msg storage.Message
				var payload string
				var offsetUsec int64
				if err := rows.Scan(&msg.Seq, &msg.Topic, &msg.Type, &payload, &offsetUsec); err != nil {
					rows.Close()
					errCh <- fmt.Errorf("clickhouse: stream scan: %w", err)
					return
				}
				msg.Payload = []byte(payload)
				msg.Offset = time.Duration(offsetUsec) * time.Microsecond
				batch = append(batch, msg)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				errCh <- fmt.Errorf("clickhouse: rows err: %w", err)
				return
			}
			if len(batch) > 0 {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case dataCh <- batch:
				}
			}

			cursor = next
		}
	}()

	return dataCh, errCh
}

func (s *Store) Topics(ctx context.Context) ([]storage.TopicInfo, error) {
	query := fmt.Sprintf(topicsSQL, s.table)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: topics query: %w", err)
	}
	defer rows.Close()

	var infos []storage.TopicInfo
	for rows.Next() {
		var info storage.TopicInfo
		var firstUsec, lastUsec int64
		var count uint64
		if err := rows.Scan(&info.Name, &firstUsec, &lastUsec, &count); err != nil {
			return nil, fmt.Errorf("clickhouse: topics scan: %w", err)
		}
		info.First = time.Duration(firstUsec) * time.Microsecond
		info.Last = time.Duration(lastUsec) * time.Microsecond
		info.Count = int64(count)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Range(ctx context.Context, topics []string) (time.Duration, time.Duration, int64, error) {
	if len(topics) == 0 {
		return 0, 0, 0, fmt.Errorf("clickhouse: topics list is empty")
	}
	if err := s.refreshFilter(ctx, topics); err != nil {
		return 0, 0, 0, err
	}

	query := fmt.Sprintf(rangeSQL, s.table, filterTable)
	var minUsec, maxUsec int64
	var count uint64
	if err := s.conn.QueryRow(ctx, query).Scan(&minUsec, &maxUsec, &count); err != nil {
		return 0, 0, 0, fmt.Errorf("clickhouse: range scan: %w", err)
	}
	if count == 0 {
		return 0, 0, 0, nil
	}
	return time.Duration(minUsec) * time.Microsecond,
		time.Duration(maxUsec) * time.Microsecond,
		int64(count), nil
}

func (s *Store) Session(ctx context.Context) (storage.Session, error) {
	return s.session, nil
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Store) refreshFilter(ctx context.Context, topics []string) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", filterTable)); err != nil {
		return fmt.Errorf("clickhouse: drop filter table: %w", err)
	}
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE TEMPORARY TABLE %s (topic String)", filterTable)); err != nil {
		return fmt.Errorf("clickhouse: create filter table: %w", err)
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (topic)", filterTable))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare filter batch: %w", err)
	}
	for _, topic := range topics {
		if err := batch.Append(topic); err != nil {
			return fmt.Errorf("clickhouse: append filter topic: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send filter batch: %w", err)
	}
	return nil
}

const streamSQL = `
SELECT seq, topic, msg_type, payload, offset_usec
FROM %s
WHERE topic IN (SELECT topic FROM %s)
  AND offset_usec >= @from
  AND offset_usec < @to
ORDER BY offset_usec, seq;
`

const topicsSQL = `
SELECT topic, min(offset_usec), max(offset_usec), count()
FROM %s
GROUP BY topic
ORDER BY topic;
`

const rangeSQL = `
SELECT min(offset_usec), max(offset_usec), count()
FROM %s
WHERE topic IN (SELECT topic FROM %s);
`

func IsSource(dsn string) bool {
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "clickhouse://") || strings.HasPrefix(lower, "ch://")
}
