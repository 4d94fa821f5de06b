package recorder

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pv/buslog-go/internal/storage"
	"github.com/pv/buslog-go/internal/storage/memstore"
	"github.com/pv/buslog-go/internal/transport"
)

func storageRequestAll(topic string) storage.Request {
	return storage.Request{Topics: []string{topic}, From: 0, To: time.Hour}
}

func waitCount(t *testing.T, st *memstore.Store, topics []string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, count, err := st.Range(context.Background(), topics)
		if err != nil {
			t.Fatalf("Range error: %v", err)
		}
		if count >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, _, count, _ := st.Range(context.Background(), topics)
	t.Fatalf("timed out waiting for %d messages, got %d", want, count)
}

func TestRecordSelectedTopics(t *testing.T) {
	dest := "mem://rec-selected"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	if !rec.AddTopic("/keep") {
		t.Fatalf("AddTopic returned false")
	}
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bus.Publish("/keep", "t", []byte("yes"))
	bus.Publish("/drop", "t", []byte("no"))

	st := memstore.Open(dest)
	waitCount(t, st, []string{"/keep"}, 1)
	rec.Stop()

	_, _, dropped, err := st.Range(context.Background(), []string{"/drop"})
	if err != nil {
		t.Fatalf("Range error: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("unselected topic was recorded")
	}
}

func TestRecordAllByDefault(t *testing.T) {
	dest := "mem://rec-all"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rec.Stop()

	bus.Publish("/a", "t", []byte("1"))
	bus.Publish("/b", "t", []byte("2"))

	waitCount(t, memstore.Open(dest), []string{"/a", "/b"}, 2)
}

func TestRegexCoversLaterTopics(t *testing.T) {
	dest := "mem://rec-regex"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()
	bus.Advertise("/sensors/temp")

	rec := New(bus)
	if n := rec.AddTopicRegex(regexp.MustCompile("^/sensors/.*")); n != 1 {
		t.Fatalf("AddTopicRegex expected 1, got %d", n)
	}
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rec.Stop()

	// Тема появилась уже после старта записи.
	bus.Publish("/sensors/pressure", "t", []byte("p"))
	bus.Publish("/other", "t", []byte("x"))

	st := memstore.Open(dest)
	waitCount(t, st, []string{"/sensors/pressure"}, 1)
	_, _, other, _ := st.Range(context.Background(), []string{"/other"})
	if other != 0 {
		t.Fatalf("non-matching topic was recorded")
	}
}

func TestSelectionFrozenWhileRunning(t *testing.T) {
	dest := "mem://rec-frozen"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	rec.AddTopic("/a")
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rec.Stop()

	if rec.AddTopic("/b") {
		t.Fatalf("AddTopic accepted while running")
	}
	if rec.RemoveTopic("/a") {
		t.Fatalf("RemoveTopic accepted while running")
	}
	if n := rec.AddTopicRegex(regexp.MustCompile(".*")); n != 0 {
		t.Fatalf("AddTopicRegex accepted while running")
	}
}

func TestDoubleStartAndStop(t *testing.T) {
	dest := "mem://rec-double"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := rec.Start(context.Background(), dest); err != ErrAlreadyRunning {
		t.Fatalf("second Start expected ErrAlreadyRunning, got %v", err)
	}

	rec.Stop()
	rec.Stop() // идемпотентен
	if rec.Running() {
		t.Fatalf("recorder still running after Stop")
	}

	bus.Publish("/late", "t", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	_, _, count, _ := memstore.Open(dest).Range(context.Background(), []string{"/late"})
	if count != 0 {
		t.Fatalf("message recorded after Stop")
	}
}

func TestStopFlushesInFlightDeliveries(t *testing.T) {
	dest := "mem://rec-flush"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Публикации продолжаются, пока запись останавливается: доставка,
	// начавшаяся до Stop, обязана завершиться до его возврата.
	stopPub := make(chan struct{})
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for i := 0; ; i++ {
			select {
			case <-stopPub:
				return
			default:
			}
			bus.Publish("/flush", "t", []byte{byte(i)})
		}
	}()

	time.Sleep(10 * time.Millisecond)
	rec.Stop()
	st := memstore.Open(dest)
	_, _, after, err := st.Range(context.Background(), []string{"/flush"})
	if err != nil {
		t.Fatalf("Range error: %v", err)
	}

	close(stopPub)
	<-pubDone
	time.Sleep(20 * time.Millisecond)

	_, _, final, _ := st.Range(context.Background(), []string{"/flush"})
	if final != after {
		t.Fatalf("journal grew after Stop returned: %d -> %d", after, final)
	}
}

func TestOffsetsAreMonotonic(t *testing.T) {
	dest := "mem://rec-offsets"
	t.Cleanup(func() { memstore.Discard(dest) })

	bus := transport.NewBus()
	defer bus.Close()

	rec := New(bus)
	if err := rec.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	for i := 0; i < 5; i++ {
		bus.Publish("/mono", "t", []byte{byte(i)})
		time.Sleep(2 * time.Millisecond)
	}
	st := memstore.Open(dest)
	waitCount(t, st, []string{"/mono"}, 5)
	rec.Stop()

	dataCh, errCh := st.Stream(context.Background(), storageRequestAll("/mono"))
	var offsets []time.Duration
	for batch := range dataCh {
		for _, m := range batch {
			offsets = append(offsets, m.Offset)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			t.Fatalf("offsets not monotonic: %v", offsets)
		}
	}
}
