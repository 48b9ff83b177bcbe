package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"docassist/internal/auth"
	"docassist/internal/config"
	"docassist/internal/ingest"
	"docassist/internal/models"
	"docassist/internal/service/ai"
	"docassist/internal/service/assistant"
	"docassist/internal/session"
	"docassist/internal/worker"
)

type WorkerManager interface {
	SubmitPDF(userID int64, username, filename, path string) (string, error)
	SubmitURLs(userID int64, username string, urls []string) (string, error)
}

// Responder produces answers and summaries from retrieved chunks.
type Responder interface {
	Answer(ctx context.Context, question string, contexts []string) (string, error)
	Summarize(ctx context.Context, chunks []string) (string, error)
}

// Handler wires HTTP routes to the session manager, ingestion workers and the LLM.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	sessions  *session.Manager
	workers   WorkerManager
	llm       Responder
	uploads   *ingest.UploadStore
	rag       config.RAGConfig
	timeout   time.Duration
	gatherer  prometheus.Gatherer
	logger    logrus.FieldLogger
}

// Deps groups the collaborators of a Handler.
type Deps struct {
	Assistant      *assistant.Service
	Auth           *auth.Service
	Sessions       *session.Manager
	Workers        WorkerManager
	LLM            Responder
	Uploads        *ingest.UploadStore
	RAG            config.RAGConfig
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
	Logger         logrus.FieldLogger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 120 * time.Second
	}
	return &Handler{
		assistant: d.Assistant,
		auth:      d.Auth,
		sessions:  d.Sessions,
		workers:   d.Workers,
		llm:       d.LLM,
		uploads:   d.Uploads,
		rag:       d.RAG,
		timeout:   d.RequestTimeout,
		gatherer:  d.Gatherer,
		logger:    d.Logger,
	}
}

func (h *Handler) authorizedUser(c *gin.Context) (*auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(c)
	if !ok || id.UserID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	return id, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.root)
	router.POST("/register", h.registerUser)
	router.POST("/login", h.loginUser)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	authed := router.Group("")
	authed.Use(h.auth.Middleware())
	authed.GET("/me", h.me)
	authed.DELETE("/me", h.deleteMe)
	authed.POST("/logout", h.logoutUser)
	authed.POST("/process-urls", h.processURLs)
	authed.POST("/process-pdf", h.processPDF)
	authed.POST("/query", h.query)
	authed.POST("/summarize-pdf", h.summarizePDF)
	authed.GET("/status/:session_id", h.status)
	authed.DELETE("/session/:session_id", h.evictSession)
	authed.DELETE("/session/:session_id/record", h.deleteSessionRecord)
	authed.GET("/load-session/:session_id", h.loadSession)
	authed.GET("/my-sessions", h.mySessions)
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to Document AI Assistant API"})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrUserExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, assistant.ErrMissingCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.internalError(c, err)
		}
		return
	}
	h.respondToken(c, http.StatusCreated, user)
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidCredentials) || errors.Is(err, assistant.ErrMissingCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		h.internalError(c, err)
		return
	}
	h.respondToken(c, http.StatusOK, user)
}

func (h *Handler) respondToken(c *gin.Context, status int, user *models.User) {
	token, err := h.auth.IssueToken(user.ID, user.Username)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(status, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int64(h.auth.TokenTTL().Seconds()),
	})
}

func (h *Handler) me(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user no longer exists"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// deleteMe removes the account. Session records go with it through the
// foreign key cascade; live indexes are evicted first.
func (h *Handler) deleteMe(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	owned, err := h.sessions.List(ctx, id.UserID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	for _, s := range owned {
		if err := h.sessions.Evict(s.SessionID, id.UserID); err != nil && !errors.Is(err, session.ErrNotFound) {
			h.logger.WithField("session_id", s.SessionID).WithError(err).Warn("evict on account delete failed")
		}
	}
	if err := h.assistant.DeleteUser(ctx, id.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user no longer exists"})
			return
		}
		h.internalError(c, err)
		return
	}
	if err := h.auth.RevokeToken(ctx, id); err != nil {
		h.logger.WithField("user_id", id.UserID).WithError(err).Warn("revoke token after account delete failed")
	}
	h.logger.WithField("user_id", id.UserID).Info("account deleted")
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutUser(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeToken(c.Request.Context(), id); err != nil {
		h.internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type urlsRequest struct {
	URLs []string `json:"urls"`
}

func (h *Handler) processURLs(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req urlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sessionID, err := h.workers.SubmitURLs(id.UserID, id.Username, req.URLs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "message": "URL processing started"})
}

func (h *Handler) processPDF(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ingest.MaxUploadSize+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if !ingest.IsPDFName(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files allowed"})
		return
	}
	if file.Size > ingest.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	path, err := h.uploads.Save(id.UserID, file.Filename, f)
	_ = f.Close()
	if err != nil {
		h.writeError(c, err)
		return
	}
	// SubmitPDF removes the upload when the job cannot be queued
	sessionID, err := h.workers.SubmitPDF(id.UserID, id.Username, baseName(file.Filename), path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "message": "PDF processing started"})
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type source struct {
	Index   int    `json:"index"`
	Preview string `json:"preview"`
}

func (h *Handler) query(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	question := strings.TrimSpace(req.Query)
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	ix, err := h.sessions.Lookup(req.SessionID, id.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	docs, err := ix.Search(ctx, question, h.rag.TopK)
	if err != nil {
		h.internalError(c, err)
		return
	}
	contexts := make([]string, 0, len(docs))
	sources := make([]source, 0, len(docs))
	for i, d := range docs {
		contexts = append(contexts, d.Content)
		sources = append(sources, source{Index: i + 1, Preview: preview(d.Content, h.rag.PreviewChars)})
	}
	answer, err := h.llm.Answer(ctx, question, contexts)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer, "sources": sources})
}

func (h *Handler) summarizePDF(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ix, err := h.sessions.LookupType(req.SessionID, id.UserID, models.ContentPDF)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	summary, err := h.llm.Summarize(ctx, ix.Head(h.rag.SummaryK))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (h *Handler) status(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sessions.Status(c.Request.Context(), c.Param("session_id"), id.UserID))
}

func (h *Handler) evictSession(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	if err := h.sessions.Evict(c.Param("session_id"), id.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

func (h *Handler) deleteSessionRecord(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	if err := h.sessions.DeleteRecord(c.Request.Context(), c.Param("session_id"), id.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) loadSession(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if _, err := h.sessions.Load(ctx, sessionID, id.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session loaded", "session_id": sessionID})
}

func (h *Handler) mySessions(c *gin.Context) {
	id, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	list, err := h.sessions.List(c.Request.Context(), id.UserID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrInvalidSession):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session"})
	case errors.Is(err, ingest.ErrUnsupportedURL), errors.Is(err, ingest.ErrNotPDF):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
	case errors.Is(err, ai.ErrNothingToSummarize), errors.Is(err, ingest.ErrEmptyDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	default:
		h.internalError(c, err)
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.WithField("path", c.FullPath()).WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

// preview returns the first n runes of text.
func preview(text string, n int) string {
	if n <= 0 {
		n = 300
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
