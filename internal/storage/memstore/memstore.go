package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pv/buslog-go/internal/storage"
)

const prefix = "mem://"

// Store — журнал сообщений в памяти. Экземпляры с одинаковым именем
// разделяются внутри процесса, что позволяет писателю и читателю держать
// открытым один и тот же журнал (аналог sqlite mode=memory&cache=shared).
type Store struct {
	mu      sync.Mutex
	name    string
	session storage.Session
	msgs    []storage.Message
	nextSeq int64
	closed  bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

func init() {
	storage.Register(storage.Driver{
		Name:  "memstore",
		Match: IsSource,
		Open: func(_ context.Context, dest string) (storage.Store, error) {
			return Open(dest), nil
		},
	})
}

// IsSource сообщает, является ли строка назначения памятью процесса.
func IsSource(dest string) bool {
	return strings.HasPrefix(strings.ToLower(dest), prefix)
}

// Open возвращает журнал с данным именем, создавая его при первом обращении.
func Open(dest string) *Store {
	name := strings.TrimPrefix(dest, prefix)
	registryMu.Lock()
	defer registryMu.Unlock()
	if st, ok := registry[name]; ok {
		st.mu.Lock()
		st.closed = false
		st.mu.Unlock()
		return st
	}
	st := &Store{
		name:    name,
		nextSeq: 1,
		session: storage.Session{
			ID:        uuid.NewString(),
			StartedAt: time.Now(),
		},
	}
	registry[name] = st
	return st
}

// Discard удаляет журнал из реестра процесса.
func Discard(dest string) {
	name := strings.TrimPrefix(dest, prefix)
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

func (s *Store) Append(_ context.Context, msg storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Seq = s.nextSeq
	s.nextSeq++
	msg.Payload = append([]byte(nil), msg.Payload...)
	// Вставка с сохранением порядка (Offset, Seq); поздние записи с меньшим
	// смещением встречаются только при нескольких писателях.
	idx := sort.Search(len(s.msgs), func(i int) bool {
		if s.msgs[i].Offset != msg.Offset {
			return s.msgs[i].Offset > msg.Offset
		}
		return s.msgs[i].Seq > msg.Seq
	})
	s.msgs = append(s.msgs, storage.Message{})
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = msg
	return nil
}

func (s *Store) Stream(ctx context.Context, req storage.Request) (<-chan []storage.Message, <-chan error) {
	dataCh := make(chan []storage.Message, 1)
	errCh := make(chan error, 1)

	// Снимок под мьютексом: поток не видит записей, добавленных позже.
	s.mu.Lock()
	want := topicSet(req.Topics)
	batch := make([]storage.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Offset < req.From || m.Offset > req.To {
			continue
		}
		if _, ok := want[m.Topic]; !ok {
			continue
		}
		batch = append(batch, m)
	}
	s.mu.Unlock()

	go func() {
		defer close(dataCh)
		defer close(errCh)
		if len(batch) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case dataCh <- batch:
		}
	}()

	return dataCh, errCh
}

func (s *Store) Topics(_ context.Context) ([]storage.TopicInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := map[string]*storage.TopicInfo{}
	for _, m := range s.msgs {
		info, ok := byName[m.Topic]
		if !ok {
			info = &storage.TopicInfo{Name: m.Topic, First: m.Offset, Last: m.Offset}
			byName[m.Topic] = info
		}
		if m.Offset < info.First {
			info.First = m.Offset
		}
		if m.Offset > info.Last {
			info.Last = m.Offset
		}
		info.Count++
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]storage.TopicInfo, 0, len(names))
	for _, name := range names {
		out = append(out, *byName[name])
	}
	return out, nil
}

func (s *Store) Range(_ context.Context, topics []string) (time.Duration, time.Duration, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := topicSet(topics)
	var (
		min, max time.Duration
		count    int64
	)
	for _, m := range s.msgs {
		if _, ok := want[m.Topic]; !ok {
			continue
		}
		if count == 0 || m.Offset < min {
			min = m.Offset
		}
		if count == 0 || m.Offset > max {
			max = m.Offset
		}
		count++
	}
	return min, max, count, nil
}

func (s *Store) Session(_ context.Context) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

// Close помечает дескриптор закрытым; данные остаются в реестре процесса
// до явного Discard.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func topicSet(topics []string) map[string]struct{} {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}
