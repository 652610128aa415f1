package persist

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"PPChat/service/broker"
	"PPChat/service/protocol"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
	fail error
}

func newMemStore() *memStore { return &memStore{recs: map[string]*Record{}} }

func (s *memStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.recs[rec.Key] = rec
	return nil
}

func (s *memStore) Close(context.Context) error { return nil }

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type fakePresence map[uint64]bool

func (p fakePresence) Lookup(_ context.Context, uid uint64) (string, bool, error) {
	if p[uid] {
		return "gw-1", true, nil
	}
	return "", false, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	got map[uint64]int
}

func (q *fakeQueue) Enqueue(_ context.Context, uid uint64, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got[uid]++
	return nil
}

func chatPayload(t *testing.T, id uint64, receivers ...uint64) []byte {
	t.Helper()
	b, err := protocol.Marshal(protocol.NewMessage(id, &protocol.Chat{
		Sender: 42, Session: 7, Receivers: receivers, Payload: []byte("hi"), Timestamp: 1700000000000,
	}))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewRecord(t *testing.T) {
	m := protocol.NewMessage(9, &protocol.Chat{Sender: 42, Session: 7, Timestamp: 1700000000000, DisplayName: "al"})
	rec := NewRecord(m, "")
	if rec.Key != "42:9:1700000000000" || rec.Session != 7 || rec.DisplayName != "al" {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.SentAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("SentAt = %v", rec.SentAt)
	}
	if NewRecord(protocol.NewMessage(1, &protocol.Ping{}), "k") != nil {
		t.Fatal("non-chat produced a record")
	}
}

func TestHandleSavesAndQueuesOffline(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{got: map[uint64]int{}}
	w := NewWorker(broker.NewMemory(0), store, WorkerOptions{Topic: "im.chat"},
		WithOfflineQueue(fakePresence{43: true}, q))

	msg := broker.Message{Topic: "im.chat", Data: chatPayload(t, 1, 43, 44), Header: map[string]string{broker.HeaderMsgID: "u-1"}}
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if store.recs["u-1"] == nil {
		t.Fatal("record not saved under broker message id")
	}
	if q.got[43] != 0 || q.got[44] != 1 {
		t.Fatalf("offline queue = %v, want only 44", q.got)
	}
}

func TestHandleSkipsGarbageAndReportsStoreErrors(t *testing.T) {
	store := newMemStore()
	w := NewWorker(broker.NewMemory(0), store, WorkerOptions{Topic: "im.chat"})
	if err := w.Handle(context.Background(), broker.Message{Data: []byte{0xff}}); err != nil {
		t.Fatalf("garbage = %v, want nil", err)
	}
	store.fail = errors.New("disk full")
	if err := w.Handle(context.Background(), broker.Message{Data: chatPayload(t, 2, 43)}); err == nil {
		t.Fatal("store error swallowed")
	}
}

func TestWorkerRunDedups(t *testing.T) {
	mem := broker.NewMemory(0)
	defer mem.Close()
	store := newMemStore()
	w := NewWorker(mem, store, WorkerOptions{Topic: "im.chat", DedupTTL: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	hdr := map[string]string{broker.HeaderMsgID: "dup"}
	for i := 0; i < 3; i++ {
		_ = mem.Publish(ctx, broker.Message{Topic: "im.chat", Data: chatPayload(t, 3, 43), Header: hdr})
	}
	_ = mem.Publish(ctx, broker.Message{Topic: "im.chat", Data: chatPayload(t, 4, 43), Header: map[string]string{broker.HeaderMsgID: "other"}})

	deadline := time.Now().Add(3 * time.Second)
	for store.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.len() != 2 {
		t.Fatalf("stored %d records, want 2", store.len())
	}
}

func TestMongoConfigDefaults(t *testing.T) {
	c := MongoConfig{Address: []string{"db1:27017", "db2:27017"}, Database: "im", Username: "u", Password: "p"}
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	want := "mongodb://u:p@db1:27017,db2:27017/im?authSource=im&maxPoolSize=100"
	if c.Uri != want {
		t.Fatalf("Uri = %q, want %q", c.Uri, want)
	}
	if c.Collection != defaultCollection || c.MaxRetry != defaultMaxRetry {
		t.Fatalf("defaults = %+v", c)
	}
	if err := (&MongoConfig{Database: "im"}).ValidateAndSetDefaults(); err == nil {
		t.Fatal("missing address accepted")
	}
}

// Runs against a real server when PPCHAT_TEST_POSTGRES holds a DSN.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PPCHAT_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("PPCHAT_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	rec := NewRecord(protocol.NewMessage(1, &protocol.Chat{Sender: 1, Session: 2, Receivers: []uint64{3}}), "pg-test-"+time.Now().Format("150405.000"))
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("second save = %v, want nil", err)
	}
}

// Runs against a real server when PPCHAT_TEST_MONGO holds a URI.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("PPCHAT_TEST_MONGO")
	if uri == "" {
		t.Skip("PPCHAT_TEST_MONGO not set")
	}
	ctx := context.Background()
	s, err := NewMongoStore(ctx, MongoConfig{Uri: uri, Database: "ppchat_test"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	rec := NewRecord(protocol.NewMessage(1, &protocol.Chat{Sender: 1, Session: 2}), "mongo-test-"+time.Now().Format("150405.000"))
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("duplicate save = %v, want nil", err)
	}
}
