// Package session owns the in-memory session indexes and reconciles them with
// the durable session records.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"docassist/internal/index"
	"docassist/internal/metrics"
	"docassist/internal/models"
	"docassist/internal/redis"
	"docassist/internal/service/assistant"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound covers both unknown sessions and sessions owned by someone else.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidSession is returned when a session has the wrong content type for an operation.
	ErrInvalidSession = errors.New("invalid session")
)

// Store is the durable side of a session.
type Store interface {
	SaveSessionRecord(ctx context.Context, rec *models.SessionRecord) error
	GetSessionRecord(ctx context.Context, sessionID string, userID int64) (*models.SessionRecord, error)
	ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error)
	DeleteSessionRecord(ctx context.Context, sessionID string, userID int64) error
}

// Splitter chunks raw text with the window of its content type.
type Splitter interface {
	Split(contentType models.ContentType, text string) ([]string, error)
}

// CreateRequest describes a finished extraction ready to be indexed.
type CreateRequest struct {
	SessionID   string
	Owner       int64
	ContentType models.ContentType
	Title       string
	Text        string
	// JobID identifies the ingestion; only its own task record is cleared.
	JobID string
}

// Manager maps session ids to live indexes. Installs are serialized, so when
// two ingestions produce the same id the one that finishes last wins.
type Manager struct {
	store    Store
	splitter Splitter
	embedder embedding.Embedder
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	shared   *stateRedis

	mu    sync.RWMutex
	live  map[string]*index.Index
	tasks map[string]models.TaskRecord
}

// Options holds the optional collaborators of a Manager.
type Options struct {
	Redis   *redis.Client
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func NewManager(store Store, splitter Splitter, embedder embedding.Embedder, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Manager{
		store:    store,
		splitter: splitter,
		embedder: embedder,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		shared:   newStateRedis(opts.Redis, uuid.NewString(), opts.Logger),
		live:     make(map[string]*index.Index),
		tasks:    make(map[string]models.TaskRecord),
	}
}

// Start listens for evictions from other replicas until ctx is done. It is a
// no-op without redis.
func (m *Manager) Start(ctx context.Context) error {
	return m.shared.startListener(ctx, func(sessionID string) {
		m.mu.Lock()
		_, ok := m.live[sessionID]
		delete(m.live, sessionID)
		m.setGaugeLocked()
		m.mu.Unlock()
		if ok {
			m.logger.WithField("session_id", sessionID).Debug("evicted by peer")
		}
	})
}

// Begin records that an ingestion for sessionID has been accepted.
func (m *Manager) Begin(sessionID string, owner int64, contentType models.ContentType, jobID string) {
	rec := models.TaskRecord{
		JobID:       jobID,
		SessionID:   sessionID,
		UserID:      owner,
		ContentType: contentType,
		State:       models.TaskPending,
		UpdatedAt:   time.Now().UTC(),
	}
	m.mu.Lock()
	m.tasks[sessionID] = rec
	m.mu.Unlock()
	m.shared.storeTask(rec)
}

// Fail marks the ingestion of sessionID as failed with reason. It is a no-op
// when a newer job has been accepted for the same session since jobID.
func (m *Manager) Fail(sessionID, jobID string, reason error) {
	msg := "ingestion failed"
	if reason != nil {
		msg = reason.Error()
	}
	m.mu.Lock()
	rec, ok := m.tasks[sessionID]
	if !ok || rec.JobID != jobID {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"job_id":     jobID,
		}).WithError(reason).Warn("ingestion failure ignored, job superseded")
		return
	}
	rec.State = models.TaskFailed
	rec.Error = msg
	rec.UpdatedAt = time.Now().UTC()
	m.tasks[sessionID] = rec
	m.mu.Unlock()

	m.metrics.Ingestions.WithLabelValues(string(rec.ContentType), "failed").Inc()
	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    rec.UserID,
		"job_id":     rec.JobID,
	}).WithError(reason).Error("ingestion failed")
	m.shared.storeTask(rec)
}

// Create indexes req.Text, persists the record and installs the index. The
// index is installed even when persisting fails; that error is returned.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*index.Index, error) {
	if !req.ContentType.Valid() {
		return nil, fmt.Errorf("unknown content type %q", req.ContentType)
	}
	ix, err := m.build(ctx, index.Meta{
		SessionID:   req.SessionID,
		Owner:       req.Owner,
		ContentType: req.ContentType,
		Title:       req.Title,
	}, req.Text)
	if err != nil {
		return nil, err
	}

	rec := &models.SessionRecord{
		SessionID:   req.SessionID,
		UserID:      req.Owner,
		ContentType: req.ContentType,
		Content:     req.Text,
		Title:       req.Title,
		Status:      string(models.TaskComplete),
	}
	// the record is written before the index goes live, so a complete status
	// means the session is also listed
	saveErr := m.store.SaveSessionRecord(ctx, rec)

	m.mu.Lock()
	m.live[req.SessionID] = ix
	if rec, ok := m.tasks[req.SessionID]; ok && rec.JobID == req.JobID {
		delete(m.tasks, req.SessionID)
	}
	m.setGaugeLocked()
	m.mu.Unlock()
	m.shared.deleteTask(req.SessionID, req.JobID)
	m.metrics.Ingestions.WithLabelValues(string(req.ContentType), "complete").Inc()

	if saveErr != nil {
		return ix, fmt.Errorf("persist session %s: %w", req.SessionID, saveErr)
	}
	return ix, nil
}

// GetIndex returns the live index for sessionID without any ownership check.
func (m *Manager) GetIndex(sessionID string) (*index.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.live[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return ix, nil
}

// Lookup returns the live index if it exists and belongs to requester.
func (m *Manager) Lookup(sessionID string, requester int64) (*index.Index, error) {
	ix, err := m.GetIndex(sessionID)
	if err != nil {
		return nil, err
	}
	if ix.Owner != requester {
		return nil, ErrNotFound
	}
	return ix, nil
}

// LookupType is Lookup that also requires contentType.
func (m *Manager) LookupType(sessionID string, requester int64, contentType models.ContentType) (*index.Index, error) {
	ix, err := m.Lookup(sessionID, requester)
	if err != nil {
		return nil, err
	}
	if ix.ContentType != contentType {
		return nil, ErrInvalidSession
	}
	return ix, nil
}

// Load rebuilds the index of a durable record owned by requester and installs
// it, replacing any entry already held for the id.
func (m *Manager) Load(ctx context.Context, sessionID string, requester int64) (*index.Index, error) {
	rec, err := m.store.GetSessionRecord(ctx, sessionID, requester)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ix, err := m.build(ctx, index.Meta{
		SessionID:   rec.SessionID,
		Owner:       rec.UserID,
		ContentType: rec.ContentType,
		Title:       rec.Title,
	}, rec.Content)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.live[sessionID] = ix
	cleared := false
	if task, ok := m.tasks[sessionID]; ok && task.State == models.TaskFailed {
		delete(m.tasks, sessionID)
		cleared = true
	}
	m.setGaugeLocked()
	m.mu.Unlock()
	if cleared {
		m.shared.deleteTask(sessionID, "")
	}
	return ix, nil
}

// Evict drops the in-memory index only. The durable record is kept, so the
// session can be loaded again.
func (m *Manager) Evict(sessionID string, requester int64) error {
	m.mu.Lock()
	ix, ok := m.live[sessionID]
	if !ok || ix.Owner != requester {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.live, sessionID)
	m.setGaugeLocked()
	m.mu.Unlock()
	m.shared.publishEviction(sessionID)
	return nil
}

// DeleteRecord removes the durable record and any in-memory index.
func (m *Manager) DeleteRecord(ctx context.Context, sessionID string, requester int64) error {
	if err := m.store.DeleteSessionRecord(ctx, sessionID, requester); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	// Evict publishes on success; peers may still hold a copy otherwise.
	if err := m.Evict(sessionID, requester); err != nil {
		m.shared.publishEviction(sessionID)
	}
	return nil
}

// Status reports the state of the latest accepted job while it is pending or
// failed, otherwise complete when the index is live, otherwise not_found.
func (m *Manager) Status(ctx context.Context, sessionID string, requester int64) models.TaskStatus {
	m.mu.RLock()
	ix, live := m.live[sessionID]
	rec, tracked := m.tasks[sessionID]
	m.mu.RUnlock()

	if tracked && rec.UserID == requester {
		return models.TaskStatus{State: rec.State, Error: rec.Error}
	}
	if live && ix.Owner == requester {
		return models.TaskStatus{State: models.TaskComplete}
	}
	if shared, ok := m.shared.loadTask(ctx, sessionID); ok && shared.UserID == requester {
		return models.TaskStatus{State: shared.State, Error: shared.Error}
	}
	return models.TaskStatus{State: models.TaskNotFound}
}

// List returns the caller's durable sessions, newest first.
func (m *Manager) List(ctx context.Context, owner int64) ([]models.SessionSummary, error) {
	list, err := m.store.ListSessions(ctx, owner)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.SessionSummary{}
	}
	return list, nil
}

func (m *Manager) build(ctx context.Context, meta index.Meta, text string) (*index.Index, error) {
	chunks, err := m.splitter.Split(meta.ContentType, text)
	if err != nil {
		return nil, err
	}
	ix, err := index.Build(ctx, m.embedder, meta, text, chunks)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"session_id": meta.SessionID,
		"user_id":    meta.Owner,
		"chunks":     ix.Len(),
	}).Info("session indexed")
	return ix, nil
}

func (m *Manager) setGaugeLocked() {
	m.metrics.LiveIndexes.Set(float64(len(m.live)))
}

var _ Store = (*assistant.Service)(nil)
