package assistant

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"docassist/internal/config"
	"docassist/internal/models"
	"docassist/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, " alice ", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("expected trimmed username, got %q", user.Username)
	}
	if user.PasswordHash == "s3cret" {
		t.Fatalf("password stored in plaintext")
	}

	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "bob", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "bob", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "", "pw"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestSaveSessionRecordUpsertAndOwnership(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()
	alice := insertTestUser(t, db, "alice")
	bob := insertTestUser(t, db, "bob")

	rec := &models.SessionRecord{
		SessionID:   "pdf_abc",
		UserID:      alice,
		ContentType: models.ContentPDF,
		Content:     "first",
		Title:       "a.pdf",
	}
	if err := svc.SaveSessionRecord(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec2 := &models.SessionRecord{
		SessionID:   "pdf_abc",
		UserID:      alice,
		ContentType: models.ContentPDF,
		Content:     "second",
		Title:       "a.pdf",
	}
	if err := svc.SaveSessionRecord(ctx, rec2); err != nil {
		t.Fatalf("resave: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, "pdf_abc").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row after upsert, got %d", count)
	}
	got, err := svc.GetSessionRecord(ctx, "pdf_abc", alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "second" || got.Status != string(models.TaskComplete) {
		t.Fatalf("unexpected record %+v", got)
	}

	hijack := &models.SessionRecord{SessionID: "pdf_abc", UserID: bob, ContentType: models.ContentPDF, Content: "evil"}
	if err := svc.SaveSessionRecord(ctx, hijack); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("expected ErrSessionOwned, got %v", err)
	}
	if _, err := svc.GetSessionRecord(ctx, "pdf_abc", bob); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign record should look missing, got %v", err)
	}
}

func TestListSessionsOrderAndEmpty(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()
	alice := insertTestUser(t, db, "alice")
	bob := insertTestUser(t, db, "bob")

	empty, err := svc.ListSessions(ctx, bob)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"url_1", "url_2", "url_3"} {
		rec := &models.SessionRecord{
			SessionID:   id,
			UserID:      alice,
			ContentType: models.ContentURL,
			Content:     "text",
			Title:       id,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := svc.SaveSessionRecord(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	list, err := svc.ListSessions(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].SessionID != "url_3" || list[2].SessionID != "url_1" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Type != models.ContentURL {
		t.Fatalf("unexpected type %q", list[0].Type)
	}
}

func TestDeleteSessionRecord(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()
	alice := insertTestUser(t, db, "alice")
	bob := insertTestUser(t, db, "bob")

	rec := &models.SessionRecord{SessionID: "url_x", UserID: alice, ContentType: models.ContentURL, Content: "t"}
	if err := svc.SaveSessionRecord(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.DeleteSessionRecord(ctx, "url_x", bob); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign delete should be ErrNoRows, got %v", err)
	}
	if err := svc.DeleteSessionRecord(ctx, "url_x", alice); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetSessionRecord(ctx, "url_x", alice); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`, username, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}
