package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"docassist/internal/models"
	"docassist/internal/redis"

	"github.com/sirupsen/logrus"
)

const (
	redisEvictChannel = "docassist:evict"
	redisTaskPrefix   = "docassist:task:"
	redisTaskTTL      = 24 * time.Hour
)

type evictMessage struct {
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"`
}

// stateRedis shares task records and evictions between replicas. A nil
// client turns every method into a no-op.
type stateRedis struct {
	client *redis.Client
	origin string
	logger logrus.FieldLogger
}

func newStateRedis(client *redis.Client, origin string, logger logrus.FieldLogger) *stateRedis {
	return &stateRedis{client: client, origin: origin, logger: logger}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client.Enabled()
}

// startListener calls handler for evictions published by other replicas.
func (r *stateRedis) startListener(ctx context.Context, handler func(sessionID string)) error {
	if !r.enabled() || handler == nil {
		return nil
	}
	return r.client.Subscribe(ctx, redisEvictChannel, func(payload string) {
		var msg evictMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			r.logger.WithError(err).Warn("eviction decode failed")
			return
		}
		if msg.Origin == r.origin || msg.SessionID == "" {
			return
		}
		handler(msg.SessionID)
	})
}

func (r *stateRedis) publishEviction(sessionID string) {
	if !r.enabled() {
		return
	}
	payload, err := json.Marshal(evictMessage{SessionID: sessionID, Origin: r.origin})
	if err != nil {
		r.logger.WithError(err).Warn("eviction marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, redisEvictChannel, string(payload)); err != nil {
		r.logger.WithField("session_id", sessionID).WithError(err).Warn("publish eviction failed")
	}
}

func (r *stateRedis) storeTask(rec models.TaskRecord) {
	if !r.enabled() {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.WithError(err).Warn("task marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, redisTaskPrefix+rec.SessionID, data, redisTaskTTL); err != nil {
		r.logger.WithField("session_id", rec.SessionID).WithError(err).Warn("store task failed")
	}
}

func (r *stateRedis) loadTask(ctx context.Context, sessionID string) (*models.TaskRecord, bool) {
	if !r.enabled() {
		return nil, false
	}
	raw, err := r.client.Get(ctx, redisTaskPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.WithField("session_id", sessionID).WithError(err).Warn("load task failed")
		}
		return nil, false
	}
	var rec models.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		r.logger.WithField("session_id", sessionID).WithError(err).Warn("task decode failed")
		return nil, false
	}
	return &rec, true
}

// deleteTask removes the shared record of sessionID. A non-empty jobID limits
// the delete to the record of that job.
func (r *stateRedis) deleteTask(sessionID, jobID string) {
	if !r.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if jobID != "" {
		rec, ok := r.loadTask(ctx, sessionID)
		if !ok || rec.JobID != jobID {
			return
		}
	}
	if err := r.client.Del(ctx, redisTaskPrefix+sessionID); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.WithField("session_id", sessionID).WithError(err).Warn("delete task failed")
	}
}
