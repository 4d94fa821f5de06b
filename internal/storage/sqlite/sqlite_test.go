package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pv/buslog-go/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	src := filepath.Join(t.TempDir(), "bus.db")
	store, err := New(context.Background(), Config{Source: src})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendMsg(t *testing.T, st *Store, topic string, offset time.Duration, payload string) {
	t.Helper()
	err := st.Append(context.Background(), storage.Message{
		Topic:   topic,
		Type:    "test.Msg",
		Payload: []byte(payload),
		Offset:  offset,
	})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
}

func TestAppendStreamAndRange(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	appendMsg(t, store, "/a", 0, "a0")
	appendMsg(t, store, "/b", 100*time.Millisecond, "b0")
	appendMsg(t, store, "/a", 200*time.Millisecond, "a1")
	appendMsg(t, store, "/c", 300*time.Millisecond, "c0") // вне фильтра

	topics := []string{"/a", "/b"}
	min, max, count, err := store.Range(ctx, topics)
	if err != nil {
		t.Fatalf("Range error: %v", err)
	}
	if min != 0 || max != 200*time.Millisecond || count != 3 {
		t.Fatalf("Range mismatch: min=%s max=%s count=%d", min, max, count)
	}

	dataCh, errCh := store.Stream(ctx, storage.Request{
		Topics: topics,
		From:   0,
		To:     max,
		Window: 150 * time.Millisecond,
	})
	var got []storage.Message
	for batch := range dataCh {
		got = append(got, batch...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d: %#v", len(got), got)
	}
	if string(got[0].Payload) != "a0" || string(got[1].Payload) != "b0" || string(got[2].Payload) != "a1" {
		t.Fatalf("order mismatch: %q %q %q", got[0].Payload, got[1].Payload, got[2].Payload)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Offset < got[i-1].Offset {
			t.Fatalf("offsets out of order at %d", i)
		}
	}
}

func TestSameOffsetKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	offset := 50 * time.Millisecond
	for _, payload := range []string{"first", "second", "third"} {
		appendMsg(t, store, "/same", offset, payload)
	}

	dataCh, errCh := store.Stream(ctx, storage.Request{
		Topics: []string{"/same"},
		From:   0,
		To:     offset,
	})
	var got []storage.Message
	for batch := range dataCh {
		got = append(got, batch...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if string(got[0].Payload) != "first" || string(got[2].Payload) != "third" {
		t.Fatalf("seq tie-break mismatch: %q %q %q", got[0].Payload, got[1].Payload, got[2].Payload)
	}
}

func TestTopicsSummary(t *testing.T) {
	store := openTestStore(t)

	appendMsg(t, store, "/b", 20*time.Millisecond, "x")
	appendMsg(t, store, "/a", 10*time.Millisecond, "y")
	appendMsg(t, store, "/a", 30*time.Millisecond, "z")

	infos, err := store.Topics(context.Background())
	if err != nil {
		t.Fatalf("Topics error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(infos))
	}
	if infos[0].Name != "/a" || infos[0].Count != 2 ||
		infos[0].First != 10*time.Millisecond || infos[0].Last != 30*time.Millisecond {
		t.Fatalf("topic /a summary mismatch: %#v", infos[0])
	}
	if infos[1].Name != "/b" || infos[1].Count != 1 {
		t.Fatalf("topic /b summary mismatch: %#v", infos[1])
	}
}

func TestSessionPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "bus.db")

	first, err := New(ctx, Config{Source: src})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	sess1, err := first.Session(ctx)
	if err != nil {
		t.Fatalf("Session error: %v", err)
	}
	if sess1.ID == "" || sess1.StartedAt.IsZero() {
		t.Fatalf("session is not initialized: %#v", sess1)
	}
	first.Close()

	second, err := New(ctx, Config{Source: src})
	if err != nil {
		t.Fatalf("sqlite.New reopen error: %v", err)
	}
	defer second.Close()
	sess2, err := second.Session(ctx)
	if err != nil {
		t.Fatalf("Session error: %v", err)
	}
	if sess2.ID != sess1.ID {
		t.Fatalf("session ID changed after reopen: %s != %s", sess2.ID, sess1.ID)
	}
}

func TestSharedMemoryDestination(t *testing.T) {
	ctx := context.Background()
	src := "file:sqlite-shared-test?mode=memory&cache=shared"

	writer, err := New(ctx, Config{Source: src})
	if err != nil {
		t.Fatalf("sqlite.New writer error: %v", err)
	}
	defer writer.Close()
	appendMsg(t, writer, "/mem", 10*time.Millisecond, "v")

	reader, err := New(ctx, Config{Source: src})
	if err != nil {
		t.Fatalf("sqlite.New reader error: %v", err)
	}
	defer reader.Close()

	_, _, count, err := reader.Range(ctx, []string{"/mem"})
	if err != nil {
		t.Fatalf("Range error: %v", err)
	}
	if count != 1 {
		t.Fatalf("shared in-memory DB not visible to second handle: count=%d", count)
	}
}

func TestEmptyRange(t *testing.T) {
	store := openTestStore(t)

	min, max, count, err := store.Range(context.Background(), []string{"/missing"})
	if err != nil {
		t.Fatalf("Range error: %v", err)
	}
	if min != 0 || max != 0 || count != 0 {
		t.Fatalf("empty range mismatch: min=%s max=%s count=%d", min, max, count)
	}
}

func TestIsSource(t *testing.T) {
	cases := map[string]bool{
		"sqlite://test.db": true,
		"file:bus.db":      true,
		"history.db":       true,
		":memory:":         true,
		"postgres://x":     false,
		"mem://name":       false,
		"":                 false,
	}
	for src, want := range cases {
		if got := IsSource(src); got != want {
			t.Errorf("IsSource(%q) = %v, want %v", src, got, want)
		}
	}
	if NormalizeSource("sqlite://a.db") != "a.db" {
		t.Errorf("NormalizeSource did not strip scheme")
	}
}
