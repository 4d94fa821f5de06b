package playback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pv/buslog-go/internal/storage"
	"github.com/pv/buslog-go/internal/transport"
)

// Handle управляет одним сеансом воспроизведения: пауза, шаг, перемотка,
// остановка. Все методы потокобезопасны; планировщик работает в отдельной
// горутине и засыпает на интервалы между сообщениями.
//
// Время сеанса считается в смещениях от начала записи. current не
// двигается во время паузы, поэтому длительность паузы не влияет на
// интервалы между оставшимися сообщениями.
type Handle struct {
	store  storage.Store
	bus    transport.Transport
	topics []string
	window time.Duration

	runCtx context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond
	// wake будит планировщик из таймерного сна; буфер на один токен,
	// чтобы уведомление не терялось между Unlock и select.
	wake chan struct{}
	done chan struct{}

	paused      bool
	stopped     bool
	finished    bool
	stepActive  bool
	stepUntil   time.Duration
	seekPending bool
	seekTo      time.Duration

	start   time.Duration
	end     time.Duration
	current time.Duration
}

func newHandle(store storage.Store, bus transport.Transport, selected []string, start, end, window time.Duration) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		store:   store,
		bus:     bus,
		topics:  selected,
		window:  window,
		runCtx:  ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		start:   start,
		end:     end,
		current: start,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// newFinishedHandle строит уже завершённый сеанс для пустого выбора тем.
func newFinishedHandle(start, end time.Duration) *Handle {
	h := &Handle{
		cancel:   func() {},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: true,
		start:    start,
		end:      end,
		current:  end,
	}
	h.cond = sync.NewCond(&h.mu)
	close(h.done)
	return h
}

// Pause приостанавливает публикацию после текущего сообщения.
// Повторный вызов безвреден.
func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.finished {
		return
	}
	h.paused = true
	h.stepActive = false
	h.notifyLocked()
}

// Resume продолжает воспроизведение с места паузы.
func (h *Handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.finished {
		return
	}
	h.paused = false
	h.stepActive = false
	h.notifyLocked()
}

// Step воспроизводит сообщения из окна [current, current+d) и снова
// встаёт на паузу. current продвигается на d, даже если окно пустое.
// Шаг из состояния воспроизведения ограничивает его тем же окном.
func (h *Handle) Step(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d <= 0 || h.stopped || h.finished {
		return
	}
	// Окно шага отсчитывается от ещё не применённой перемотки, иначе
	// Seek(T); Step(d) подряд привязал бы окно к старой позиции.
	base := h.current
	if h.seekPending {
		base = h.seekTo
	}
	h.stepUntil = base + d
	h.stepActive = true
	h.notifyLocked()
}

// Seek переносит позицию на target (смещение от начала записи);
// значение зажимается в [StartTime, EndTime]. Состояние паузы
// сохраняется. Сообщение, ожидающее публикации, отбрасывается.
func (h *Handle) Seek(target time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.finished {
		return
	}
	if target < h.start {
		target = h.start
	}
	if target > h.end {
		target = h.end
	}
	h.seekPending = true
	h.seekTo = target
	h.stepActive = false
	h.notifyLocked()
}

// Stop останавливает сеанс и ждёт выхода планировщика: после возврата
// ни одно сообщение больше не публикуется. Идемпотентен.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.stopped = true
	h.notifyLocked()
	h.mu.Unlock()
	h.cancel()
	<-h.done
}

// WaitUntilFinished блокируется до естественного завершения или Stop.
func (h *Handle) WaitUntilFinished() {
	<-h.done
}

// Finished сообщает, дошло ли воспроизведение до конца журнала.
// После Stop до исчерпания журнала возвращает false.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// IsPaused сообщает, стоит ли сеанс на паузе.
func (h *Handle) IsPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// StartTime возвращает смещение первого выбранного сообщения.
func (h *Handle) StartTime() time.Duration { return h.start }

// EndTime возвращает смещение последнего выбранного сообщения.
func (h *Handle) EndTime() time.Duration { return h.end }

// CurrentTime возвращает текущую позицию воспроизведения.
func (h *Handle) CurrentTime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Handle) terminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// notifyLocked будит планировщик и в cond.Wait, и в таймерном сне.
func (h *Handle) notifyLocked() {
	h.cond.Broadcast()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// run — цикл планировщика: читает очередное сообщение, досыпает до его
// смещения и публикует. Перемотка пересоздаёт курсор, остановка и
// исчерпание журнала завершают цикл.
func (h *Handle) run() {
	defer close(h.done)
	defer h.cancel()

	cur := h.openCursor(h.start)
	defer func() { cur.close() }()

	for {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		if h.seekPending {
			target := h.seekTo
			h.seekPending = false
			h.current = target
			h.mu.Unlock()
			cur.close()
			cur = h.openCursor(target)
			continue
		}
		h.mu.Unlock()

		msg, ok := cur.next()
		if !ok {
			h.mu.Lock()
			if h.stopped {
				h.mu.Unlock()
				return
			}
			if h.seekPending {
				h.mu.Unlock()
				continue
			}
			h.mu.Unlock()
			if err := cur.err(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("playback: stream: %v", err)
			}
			h.mu.Lock()
			h.current = h.end
			h.finished = true
			h.cond.Broadcast()
			h.mu.Unlock()
			return
		}

		if !h.waitUntilDue(msg.Offset) {
			continue
		}
		if err := h.bus.Publish(msg.Topic, msg.Type, msg.Payload); err != nil {
			log.Printf("playback: publish %s: %v", msg.Topic, err)
		}
		h.mu.Lock()
		h.current = msg.Offset
		h.mu.Unlock()
	}
}

// waitUntilDue досыпает до смещения offset. Возвращает false, если
// сообщение надо отбросить (остановка или перемотка). Время, проведённое
// на паузе, не засчитывается: slept учитывает только реальный сон до
// сообщения.
func (h *Handle) waitUntilDue(offset time.Duration) bool {
	var slept time.Duration
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.stopped || h.seekPending {
			return false
		}
		if h.stepActive && offset >= h.stepUntil {
			// Окно шага кончается раньше сообщения: позиция двигается
			// до границы окна, сеанс снова на паузе. Накопленный сон
			// обнуляется, новая позиция его уже учитывает.
			if h.stepUntil > h.current {
				h.current = h.stepUntil
				slept = 0
			}
			h.stepActive = false
			h.paused = true
			h.cond.Broadcast()
			continue
		}
		if h.paused && !h.stepActive {
			h.cond.Wait()
			continue
		}
		remaining := offset - h.current - slept
		if remaining <= 0 {
			return true
		}
		h.mu.Unlock()
		began := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			slept += remaining
		case <-h.wake:
			timer.Stop()
			elapsed := time.Since(began)
			if elapsed > remaining {
				elapsed = remaining
			}
			slept += elapsed
		}
		h.mu.Lock()
	}
}

// cursor вычитывает пакеты из storage.Stream и отдаёт сообщения по одному.
type cursor struct {
	cancel  context.CancelFunc
	dataCh  <-chan []storage.Message
	errCh   <-chan error
	buf     []storage.Message
	idx     int
	readErr error
}

func (h *Handle) openCursor(from time.Duration) *cursor {
	ctx, cancel := context.WithCancel(h.runCtx)
	dataCh, errCh := h.store.Stream(ctx, storage.Request{
		Topics: h.topics,
		From:   from,
		To:     h.end,
		Window: h.window,
	})
	return &cursor{cancel: cancel, dataCh: dataCh, errCh: errCh}
}

func (c *cursor) next() (storage.Message, bool) {
	for {
		if c.idx < len(c.buf) {
			m := c.buf[c.idx]
			c.idx++
			return m, true
		}
		batch, ok := <-c.dataCh
		if !ok {
			select {
			case err := <-c.errCh:
				c.readErr = err
			default:
			}
			return storage.Message{}, false
		}
		c.buf, c.idx = batch, 0
	}
}

func (c *cursor) err() error { return c.readErr }

func (c *cursor) close() {
	c.cancel()
	for range c.dataCh {
	}
}
