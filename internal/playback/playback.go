package playback

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/pv/buslog-go/internal/storage"
	"github.com/pv/buslog-go/internal/topics"
	"github.com/pv/buslog-go/internal/transport"
)

// ErrAlreadyRunning возвращается из Start, пока предыдущий Handle жив.
var ErrAlreadyRunning = fmt.Errorf("playback: already running")

// Playback читает журнал и публикует записанные сообщения обратно на шину
// с исходными интервалами. Выбор тем настраивается до Start; каждый Start
// создаёт новый Handle с собственной позицией воспроизведения.
type Playback struct {
	store storage.Store
	bus   transport.Transport
	sel   *topics.Selection

	ownStore bool
	window   time.Duration

	mu     sync.Mutex
	handle *Handle
}

// New открывает журнал по строке назначения.
func New(ctx context.Context, dest string, bus transport.Transport) (*Playback, error) {
	store, err := storage.Open(ctx, dest)
	if err != nil {
		return nil, err
	}
	p := NewWithStore(store, bus)
	p.ownStore = true
	return p, nil
}

// NewWithStore оборачивает уже открытый журнал.
func NewWithStore(store storage.Store, bus transport.Transport) *Playback {
	return &Playback{
		store: store,
		bus:   bus,
		sel:   topics.NewSelection(),
	}
}

// SetWindow задаёт окно подкачки из хранилища (0 — значение по умолчанию
// хранилища).
func (p *Playback) SetWindow(window time.Duration) { p.window = window }

// AddTopic добавляет тему по точному имени. Возвращает false, если темы
// нет в журнале или она уже выбрана.
func (p *Playback) AddTopic(topic string) bool {
	known := p.knownTopics()
	if !containsTopic(known, topic) {
		return false
	}
	return p.sel.AddExact(topic)
}

// AddTopicRegex добавляет темы журнала по регулярному выражению;
// возвращает число добавленных.
func (p *Playback) AddTopicRegex(re *regexp.Regexp) int {
	return p.sel.AddRegex(re, p.knownTopics())
}

// RemoveTopic исключает тему из воспроизведения. Без предшествующих Add
// действует правило "всё, кроме исключённого".
func (p *Playback) RemoveTopic(topic string) bool {
	return p.sel.RemoveExact(topic, p.knownTopics())
}

// RemoveTopicRegex исключает темы по регулярному выражению; возвращает их
// число.
func (p *Playback) RemoveTopicRegex(re *regexp.Regexp) int {
	return p.sel.RemoveRegex(re, p.knownTopics())
}

// Start резолвит выбор тем против журнала, открывает поток чтения и
// запускает горутину-планировщик. Возвращает Handle немедленно.
// Пустой выбор — не ошибка: воспроизведение сразу в состоянии Finished.
func (p *Playback) Start(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil && !p.handle.terminated() {
		return nil, ErrAlreadyRunning
	}

	selected := p.sel.Resolve(p.knownTopics())
	if len(selected) == 0 {
		p.handle = newFinishedHandle(0, 0)
		return p.handle, nil
	}

	start, end, count, err := p.store.Range(ctx, selected)
	if err != nil {
		return nil, fmt.Errorf("playback: range: %w", err)
	}
	if count == 0 {
		p.handle = newFinishedHandle(0, 0)
		return p.handle, nil
	}

	h := newHandle(p.store, p.bus, selected, start, end, p.window)
	p.handle = h
	go h.run()
	return h, nil
}

// Close закрывает журнал, если Playback открывал его сам.
func (p *Playback) Close() error {
	if p.ownStore {
		return p.store.Close()
	}
	return nil
}

func (p *Playback) knownTopics() []string {
	infos, err := p.store.Topics(context.Background())
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

func containsTopic(known []string, topic string) bool {
	for _, t := range known {
		if t == topic {
			return true
		}
	}
	return false
}
