// Package worker runs ingestion jobs on an elastic, per-user fair worker pool.
package worker

import (
	"context"
	"fmt"
	"time"

	"docassist/internal/index"
	"docassist/internal/ingest"
	"docassist/internal/models"
	"docassist/internal/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type JobType int

const (
	Ingest JobType = iota
	Stop
)

// Job is one accepted ingestion.
type Job struct {
	Type        JobType
	ID          string
	UserID      int64
	SessionID   string
	ContentType models.ContentType
	Title       string
	FilePath    string
	URLs        []string
	Accepted    time.Time
}

// SessionSink receives the outcome of ingestion jobs.
type SessionSink interface {
	Begin(sessionID string, owner int64, contentType models.ContentType, jobID string)
	Fail(sessionID, jobID string, reason error)
	Create(ctx context.Context, req session.CreateRequest) (*index.Index, error)
}

type PDFSource interface {
	LoadText(ctx context.Context, path string) (string, error)
}

type URLSource interface {
	FetchAll(ctx context.Context, urls []string) ([]ingest.Page, error)
}

// FileRemover deletes uploaded files once their job is done.
type FileRemover interface {
	Remove(path string)
}

// Manager accepts ingestion requests, records them as pending and hands them
// to the dispatcher. Requests return as soon as the job is queued.
type Manager struct {
	sessions   SessionSink
	pdf        PDFSource
	urls       URLSource
	uploads    FileRemover
	dispatcher *Dispatcher
	jobTimeout time.Duration
	logger     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// ManagerConfig wires the collaborators of a Manager.
type ManagerConfig struct {
	Dispatcher DispatcherConfig
	JobTimeout time.Duration
	Sessions   SessionSink
	PDF        PDFSource
	URLs       URLSource
	Uploads    FileRemover
	Logger     logrus.FieldLogger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:   cfg.Sessions,
		pdf:        cfg.PDF,
		urls:       cfg.URLs,
		uploads:    cfg.Uploads,
		jobTimeout: cfg.JobTimeout,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	m.dispatcher = NewDispatcher(cfg.Dispatcher, m, cfg.Logger)
	return m
}

// SubmitPDF queues the ingestion of an uploaded PDF stored at path and
// returns the session id it will be indexed under.
func (m *Manager) SubmitPDF(userID int64, username, filename, path string) (string, error) {
	sessionID := session.NewID(models.ContentPDF, filename, username)
	err := m.submit(Job{
		UserID:      userID,
		SessionID:   sessionID,
		ContentType: models.ContentPDF,
		Title:       filename,
		FilePath:    path,
	})
	if err != nil {
		m.removeUpload(path)
		return "", err
	}
	return sessionID, nil
}

// SubmitURLs queues the ingestion of a URL batch.
func (m *Manager) SubmitURLs(userID int64, username string, urls []string) (string, error) {
	if err := ingest.ValidateURLs(urls); err != nil {
		return "", err
	}
	sessionID := session.NewID(models.ContentURL, session.URLSource(urls), username)
	err := m.submit(Job{
		UserID:      userID,
		SessionID:   sessionID,
		ContentType: models.ContentURL,
		Title:       session.URLTitle(urls),
		URLs:        append([]string(nil), urls...),
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (m *Manager) submit(job Job) error {
	job.Type = Ingest
	job.ID = uuid.NewString()
	job.Accepted = time.Now()
	m.sessions.Begin(job.SessionID, job.UserID, job.ContentType, job.ID)
	if err := m.dispatcher.Submit(job); err != nil {
		m.sessions.Fail(job.SessionID, job.ID, err)
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"session_id": job.SessionID,
		"type":       job.ContentType,
	}).Info("ingestion queued")
	return nil
}

// handle runs on a worker goroutine.
func (m *Manager) handle(job Job) {
	if job.FilePath != "" {
		defer m.removeUpload(job.FilePath)
	}
	log := m.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"session_id": job.SessionID,
	})
	defer func() {
		if r := recover(); r != nil {
			m.sessions.Fail(job.SessionID, job.ID, fmt.Errorf("ingestion panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	text, err := m.extract(ctx, job)
	if err != nil {
		m.sessions.Fail(job.SessionID, job.ID, err)
		return
	}
	ix, err := m.sessions.Create(ctx, session.CreateRequest{
		SessionID:   job.SessionID,
		Owner:       job.UserID,
		ContentType: job.ContentType,
		Title:       job.Title,
		Text:        text,
		JobID:       job.ID,
	})
	if err != nil {
		if ix == nil {
			m.sessions.Fail(job.SessionID, job.ID, err)
			return
		}
		// indexed but not persisted; the session answers until evicted
		log.WithError(err).Warn("session record not saved")
	}
	log.WithField("elapsed", time.Since(job.Accepted).String()).Info("ingestion complete")
}

func (m *Manager) extract(ctx context.Context, job Job) (string, error) {
	switch job.ContentType {
	case models.ContentPDF:
		return m.pdf.LoadText(ctx, job.FilePath)
	case models.ContentURL:
		pages, err := m.urls.FetchAll(ctx, job.URLs)
		if err != nil {
			return "", err
		}
		return ingest.JoinPages(pages), nil
	default:
		return "", fmt.Errorf("unknown content type %q", job.ContentType)
	}
}

func (m *Manager) removeUpload(path string) {
	if m.uploads != nil && path != "" {
		m.uploads.Remove(path)
	}
}

// Shutdown stops accepting jobs and waits for running ones until ctx is done,
// then cancels them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.dispatcher.Close()
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !m.dispatcher.Wait(timeout) {
		m.logger.Warn("ingestion workers still running at shutdown")
	}
	m.cancel()
}
