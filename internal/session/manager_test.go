package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"docassist/internal/config"
	"docassist/internal/ingest"
	"docassist/internal/logging"
	"docassist/internal/models"
	"docassist/internal/redis/redistest"
	"docassist/internal/service/assistant"
	"docassist/internal/storage"

	"github.com/cloudwego/eino/components/embedding"
)

type lengthEmbedder struct{}

func (lengthEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)) + 1, float64(strings.Count(t, "e")) + 1}
	}
	return out, nil
}

type testEnv struct {
	db    *sql.DB
	store *assistant.Service
	alice int64
	bob   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := assistant.NewService(db)
	alice, err := store.RegisterUser(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := store.RegisterUser(context.Background(), "bob", "pw")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	return &testEnv{db: db, store: store, alice: alice.ID, bob: bob.ID}
}

func (e *testEnv) manager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	splitter := ingest.NewSplitter(config.RAGConfig{PDFChunkSize: 500, PDFChunkOverlap: 100, URLChunkSize: 1000, URLChunkOverlap: 200})
	return NewManager(e.store, splitter, lengthEmbedder{}, opts)
}

func sampleText(word string) string {
	return strings.Repeat("The "+word+" section explains the results in detail. ", 40)
}

func TestCreateLifecycleAndStatus(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentPDF, "report.pdf", "alice")

	if _, err := m.GetIndex(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before ingestion, got %v", err)
	}
	if st := m.Status(ctx, id, env.alice); st.State != models.TaskNotFound {
		t.Fatalf("expected not_found, got %s", st.State)
	}

	m.Begin(id, env.alice, models.ContentPDF, "job-1")
	if st := m.Status(ctx, id, env.alice); st.State != models.TaskPending {
		t.Fatalf("expected pending, got %s", st.State)
	}
	if _, err := m.GetIndex(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound while pending, got %v", err)
	}

	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Title: "report.pdf", Text: sampleText("conclusion"), JobID: "job-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st := m.Status(ctx, id, env.alice); st.State != models.TaskComplete {
		t.Fatalf("expected complete, got %s", st.State)
	}
	ix, err := m.GetIndex(id)
	if err != nil || ix.Len() == 0 {
		t.Fatalf("expected non-empty index, err=%v", err)
	}
	if st := m.Status(ctx, id, env.bob); st.State != models.TaskNotFound {
		t.Fatalf("foreign status should be not_found, got %s", st.State)
	}
}

func TestFailSurfacesReason(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	id := NewID(models.ContentURL, "https://example.com", "alice")

	m.Begin(id, env.alice, models.ContentURL, "job-2")
	m.Fail(id, "job-2", errors.New("fetch url: 404 Not Found"))
	st := m.Status(context.Background(), id, env.alice)
	if st.State != models.TaskFailed || !strings.Contains(st.Error, "404") {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestOlderJobDoesNotOverrideNewerJob(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentPDF, "report.pdf", "alice")

	m.Begin(id, env.alice, models.ContentPDF, "job-old")
	m.Begin(id, env.alice, models.ContentPDF, "job-new")

	m.Fail(id, "job-old", errors.New("unreadable pdf"))
	if st := m.Status(ctx, id, env.alice); st.State != models.TaskPending {
		t.Fatalf("failure of older job must not mark newer job failed, got %+v", st)
	}

	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Text: sampleText("old"), JobID: "job-old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st := m.Status(ctx, id, env.alice); st.State != models.TaskPending {
		t.Fatalf("success of older job must not clear newer job, got %+v", st)
	}
	if _, err := m.GetIndex(id); err != nil {
		t.Fatalf("older index should still be live: %v", err)
	}

	m.Fail(id, "job-new", errors.New("fetch url: timeout"))
	st := m.Status(ctx, id, env.alice)
	if st.State != models.TaskFailed || !strings.Contains(st.Error, "timeout") {
		t.Fatalf("newer job failure should be reported, got %+v", st)
	}
}

func TestEvictThenLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentURL, "https://a.example\nhttps://b.example", "alice")
	text := sampleText("first") + "\n\n" + sampleText("second") + " ünïcødé"

	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentURL, Text: text}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Evict(id, env.alice); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if err := m.Evict(id, env.alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second evict should be ErrNotFound, got %v", err)
	}
	if _, err := m.GetIndex(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected index gone after evict, got %v", err)
	}

	ix, err := m.Load(ctx, id, env.alice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Text() != text {
		t.Fatalf("round trip changed the text")
	}
	if _, err := m.Lookup(id, env.alice); err != nil {
		t.Fatalf("loaded index should be queryable: %v", err)
	}
}

func TestOwnershipIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentPDF, "secret.pdf", "alice")
	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Text: sampleText("secret")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Load(ctx, id, env.bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign load should be ErrNotFound, got %v", err)
	}
	if _, err := m.Load(ctx, "pdf_doesnotexist", env.bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing load should be ErrNotFound, got %v", err)
	}
	if _, err := m.Lookup(id, env.bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign lookup should be ErrNotFound, got %v", err)
	}
	if err := m.Evict(id, env.bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign evict should be ErrNotFound, got %v", err)
	}
	if err := m.DeleteRecord(ctx, id, env.bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete should be ErrNotFound, got %v", err)
	}
}

func TestLookupTypeRejectsWrongContentType(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	id := NewID(models.ContentURL, "https://example.com", "alice")
	if _, err := m.Create(context.Background(), CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentURL, Text: sampleText("web")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.LookupType(id, env.alice, models.ContentPDF); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := m.LookupType(id, env.alice, models.ContentURL); err != nil {
		t.Fatalf("url lookup should succeed: %v", err)
	}
}

func TestConcurrentCreateLastWriterWins(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentPDF, "same.pdf", "alice")

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = sampleText(fmt.Sprintf("variant%d", i))
	}
	var wg sync.WaitGroup
	for _, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Text: text}); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	ix, err := m.GetIndex(id)
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	matched := 0
	for _, text := range texts {
		if ix.Text() == text {
			matched++
		}
	}
	if matched != 1 {
		t.Fatalf("installed index should match exactly one ingestion, matched %d", matched)
	}
	for _, chunk := range ix.Chunks() {
		if !strings.Contains(ix.Text(), chunk) {
			t.Fatalf("chunk does not belong to installed text: %q", chunk)
		}
	}
	var rows int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, id).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one durable row, got %d", rows)
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()

	list, err := m.List(ctx, env.bob)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %#v", list)
	}

	id := NewID(models.ContentPDF, "a.pdf", "alice")
	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Title: "a.pdf", Text: sampleText("a")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	list, err = m.List(ctx, env.alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != id || list[0].Title != "a.pdf" || list[0].Status != "complete" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestDeleteRecordRemovesBoth(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(Options{})
	ctx := context.Background()
	id := NewID(models.ContentPDF, "gone.pdf", "alice")
	if _, err := m.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Text: sampleText("gone")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.DeleteRecord(ctx, id, env.alice); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := m.GetIndex(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("index should be evicted, got %v", err)
	}
	if _, err := m.Load(ctx, id, env.alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record should be gone, got %v", err)
	}
}

func TestNewIDDeterministic(t *testing.T) {
	a := NewID(models.ContentPDF, "report.pdf", "alice")
	if a != NewID(models.ContentPDF, "report.pdf", "alice") {
		t.Fatalf("id not deterministic")
	}
	if !strings.HasPrefix(a, "pdf_") || len(a) != len("pdf_")+32 {
		t.Fatalf("unexpected id format %q", a)
	}
	if a == NewID(models.ContentPDF, "report.pdf", "bob") {
		t.Fatalf("owner must change the id")
	}
	if NewID(models.ContentURL, URLSource([]string{"a", "b"}), "x") == NewID(models.ContentURL, URLSource([]string{"b", "a"}), "x") {
		t.Fatalf("url order must change the id")
	}
	if got := URLTitle([]string{"https://a", "https://b", "https://c"}); got != "https://a +2 more" {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestRedisSharesTasksAndEvictions(t *testing.T) {
	client := redistest.New(t)
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := env.manager(Options{Redis: client})
	b := env.manager(Options{Redis: client})
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start listener: %v", err)
	}

	id := NewID(models.ContentPDF, "shared.pdf", "alice")
	a.Begin(id, env.alice, models.ContentPDF, "job-3")
	if st := b.Status(ctx, id, env.alice); st.State != models.TaskPending {
		t.Fatalf("peer should see pending, got %s", st.State)
	}

	if _, err := a.Create(ctx, CreateRequest{SessionID: id, Owner: env.alice, ContentType: models.ContentPDF, Text: sampleText("shared"), JobID: "job-3"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.Load(ctx, id, env.alice); err != nil {
		t.Fatalf("peer load: %v", err)
	}
	if err := a.Evict(id, env.alice); err != nil {
		t.Fatalf("evict: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := b.GetIndex(id); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer kept its index after eviction")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
