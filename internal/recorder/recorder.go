package recorder

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/pv/buslog-go/internal/storage"
	"github.com/pv/buslog-go/internal/topics"
	"github.com/pv/buslog-go/internal/transport"
)

// ErrAlreadyRunning возвращается при повторном Start без Stop.
var ErrAlreadyRunning = fmt.Errorf("recorder: already running")

// Recorder подписывается на выбранные темы шины и складывает доставленные
// сообщения в журнал со смещением от момента старта записи.
//
// Изменение выбора тем допускается только до Start: во время записи
// AddTopic/RemoveTopic отклоняются (false/0), чтобы набор подписок и
// содержимое журнала оставались согласованными.
type Recorder struct {
	bus transport.Transport
	sel *topics.Selection

	mu      sync.Mutex
	running bool
	store   storage.Store
	begun   time.Time
	unsubs  []func()

	// appendMu сериализует запись в журнал: доставка идёт из нескольких
	// горутин шины, а журнал требует одного писателя.
	appendMu sync.Mutex
}

func New(bus transport.Transport) *Recorder {
	return &Recorder{
		bus: bus,
		sel: topics.NewSelection(),
	}
}

// AddTopic добавляет тему по точному имени. Тема может ещё не
// существовать на шине: подписка сработает при её появлении.
func (r *Recorder) AddTopic(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	return r.sel.AddExact(topic)
}

// AddTopicRegex добавляет темы по регулярному выражению, резолвя его
// против известных на данный момент тем шины. Возвращает число
// добавленных; темы, объявленные позже, тоже будут записываться.
func (r *Recorder) AddTopicRegex(re *regexp.Regexp) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return 0
	}
	return r.sel.AddRegex(re, r.bus.Topics())
}

// RemoveTopic исключает тему из записи.
func (r *Recorder) RemoveTopic(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	return r.sel.RemoveExact(topic, r.bus.Topics())
}

// RemoveTopicRegex исключает темы по регулярному выражению.
func (r *Recorder) RemoveTopicRegex(re *regexp.Regexp) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return 0
	}
	return r.sel.RemoveRegex(re, r.bus.Topics())
}

// Start открывает журнал по строке назначения и начинает запись.
func (r *Recorder) Start(ctx context.Context, dest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}

	store, err := storage.Open(ctx, dest)
	if err != nil {
		return err
	}

	r.store = store
	r.begun = time.Now()
	r.unsubs = r.unsubs[:0]

	if r.sel.NeedsWildcard() {
		unsub, err := r.bus.SubscribeAll(r.deliver)
		if err != nil {
			store.Close()
			r.store = nil
			return fmt.Errorf("recorder: subscribe all: %w", err)
		}
		r.unsubs = append(r.unsubs, unsub)
	} else {
		for _, topic := range r.sel.Topics() {
			unsub, err := r.bus.Subscribe(topic, r.deliver)
			if err != nil {
				for _, u := range r.unsubs {
					u()
				}
				store.Close()
				r.store = nil
				r.unsubs = r.unsubs[:0]
				return fmt.Errorf("recorder: subscribe %s: %w", topic, err)
			}
			r.unsubs = append(r.unsubs, unsub)
		}
	}

	r.running = true
	return nil
}

// Stop отписывается от всех тем, дожидается завершения текущих вставок
// и закрывает журнал. Повторный Stop — no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	unsubs := r.unsubs
	r.unsubs = nil
	store := r.store
	r.store = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	// Дожидаемся вставки, которая могла начаться до отписки.
	r.appendMu.Lock()
	r.appendMu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("recorder: close store: %v", err)
		}
	}
}

// Running сообщает, идёт ли запись.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recorder) deliver(msg transport.Message) {
	if !r.sel.IsSelected(msg.Topic) {
		return
	}

	// appendMu берётся до проверки running: Stop закрывает журнал только
	// после этой же блокировки, поэтому вставка в закрытый журнал невозможна.
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	store := r.store
	offset := time.Since(r.begun)
	r.mu.Unlock()
	err := store.Append(context.Background(), storage.Message{
		Topic:   msg.Topic,
		Type:    msg.Type,
		Payload: msg.Payload,
		Offset:  offset,
	})
	if err != nil {
		// Ошибка записи не должна ронять поток доставки: пишем в лог
		// и продолжаем запись по мере возможности.
		log.Printf("recorder: append %s: %v", msg.Topic, err)
	}
}
