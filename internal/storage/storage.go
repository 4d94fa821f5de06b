package storage

import (
	"context"
	"time"
)

// Message описывает одну записанную публикацию на шине.
// Offset хранится относительно начала сессии записи; Seq присваивается
// хранилищем при вставке и используется для порядка при равных Offset.
type Message struct {
	Seq     int64
	Topic   string
	Type    string
	Payload []byte
	Offset  time.Duration
}

// TopicInfo — сводка по одной теме в журнале.
type TopicInfo struct {
	Name  string
	First time.Duration
	Last  time.Duration
	Count int64
}

// Session — метаданные сессии записи.
type Session struct {
	ID        string
	StartedAt time.Time
}

// Request задаёт параметры потокового чтения журнала.
// Диапазон [From, To] включительный с обеих сторон; Window управляет
// размером окна подкачки из хранилища.
type Request struct {
	Topics []string
	From   time.Duration
	To     time.Duration
	Window time.Duration
}

// Store — интерфейс журнала сообщений поверх конкретного хранилища
// (SQLite, Postgres, ClickHouse, InfluxDB, память).
type Store interface {
	// Append добавляет запись в журнал. Каждая вставка атомарна:
	// читатели никогда не видят частично записанное сообщение.
	Append(ctx context.Context, msg Message) error
	// Stream запускает потоковую подгрузку записей в пределах диапазона,
	// упорядоченных по (Offset, Seq). Повторный Stream с теми же
	// параметрами воспроизводит ту же последовательность.
	Stream(ctx context.Context, req Request) (<-chan []Message, <-chan error)
	// Topics возвращает срез известных тем с первым/последним смещением.
	Topics(ctx context.Context) ([]TopicInfo, error)
	// Range возвращает минимальное и максимальное смещение и число записей
	// для выбранных тем.
	Range(ctx context.Context, topics []string) (time.Duration, time.Duration, int64, error)
	// Session возвращает метаданные сессии записи.
	Session(ctx context.Context) (Session, error)
	Close() error
}
