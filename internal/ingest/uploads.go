package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	MaxUploadSize              = 20 << 20
	DefaultUploadTTL           = 24 * time.Hour
	DefaultUploadSweepInterval = time.Hour
)

// UploadStore keeps uploaded PDFs on disk until their ingestion job has read them.
type UploadStore struct {
	dir    string
	logger logrus.FieldLogger
}

func NewUploadStore(dir string, logger logrus.FieldLogger) (*UploadStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UploadStore{dir: dir, logger: logger}, nil
}

// IsPDFName reports whether name has a .pdf extension, case-insensitively.
func IsPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// Save copies r to <dir>/<userID>/<uuid>.pdf and returns the path.
func (s *UploadStore) Save(userID int64, name string, r io.Reader) (string, error) {
	if !IsPDFName(name) {
		return "", ErrNotPDF
	}
	userDir := filepath.Join(s.dir, strconv.FormatInt(userID, 10))
	path := filepath.Join(userDir, uuid.NewString()+".pdf")
	out, err := createUpload(userDir, path)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, io.LimitReader(r, MaxUploadSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if n > MaxUploadSize {
		os.Remove(path)
		return "", ErrFileTooLarge
	}
	return path, nil
}

// testHookBeforeCreate runs between creating the user directory and the file.
var testHookBeforeCreate = func(dir string) {}

// createUpload creates path inside userDir. The sweeper prunes empty user
// directories, so the directory can vanish before the file is created; that
// case is retried.
func createUpload(userDir, path string) (*os.File, error) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if err = os.MkdirAll(userDir, 0o755); err != nil {
			return nil, fmt.Errorf("create user upload dir: %w", err)
		}
		testHookBeforeCreate(userDir)
		var out *os.File
		out, err = os.Create(path)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return nil, fmt.Errorf("create upload: %w", err)
}

// Remove deletes an upload once it has been processed.
func (s *UploadStore) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.WithField("path", path).WithError(err).Warn("remove upload failed")
	}
}

// StartSweeper removes uploads older than ttl every interval, until ctx is done.
// It catches files left behind by jobs that never ran.
func (s *UploadStore) StartSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	if interval <= 0 {
		interval = DefaultUploadSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Sweep(ttl); err != nil {
					s.logger.WithError(err).Warn("upload sweep failed")
				} else if n > 0 {
					s.logger.WithField("removed", n).Info("stale uploads removed")
				}
			}
		}
	}()
}

// Sweep removes uploads older than ttl and prunes empty user directories.
func (s *UploadStore) Sweep(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	userDirs, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	for _, ud := range userDirs {
		if !ud.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, ud.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil || f.IsDir() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err == nil {
				removed++
			}
		}
		// fails while the directory still has files
		_ = os.Remove(dir)
	}
	return removed, nil
}
