package logsink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
)

// FileSink appends timestamped lines to <dir>/<run_id>.log. Jobs of the same
// batch write concurrently, so every write holds the mutex.
type FileSink struct {
	mu      sync.Mutex
	path    string
	runID   string
	stageID int64
	file    *os.File
	w       *bufio.Writer
	now     func() time.Time
	closed  bool
}

func Open(dir, runID string, stageID int64) (*FileSink, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &FileSink{
		path:    path,
		runID:   runID,
		stageID: stageID,
		file:    f,
		w:       bufio.NewWriter(f),
		now:     time.Now,
	}, nil
}

func (s *FileSink) WriteLog(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("log sink closed")
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		if _, err := fmt.Fprintf(s.w, "%s %s\n", ts, line); err != nil {
			return fmt.Errorf("write run log: %w", err)
		}
	}
	return s.w.Flush()
}

func (s *FileSink) StageID() int64 { return s.stageID }

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ObjectKey is where Archive stores the log of runID.
func ObjectKey(runID string) string {
	return "runs/" + runID + "/run.log"
}

// Archive flushes the log and uploads it to bucket. The sink stays usable.
func (s *FileSink) Archive(ctx context.Context, store objectstore.Store, bucket string) (string, error) {
	if store == nil {
		return "", errors.New("object store is required")
	}
	s.mu.Lock()
	if !s.closed {
		if err := s.w.Flush(); err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("flush run log: %w", err)
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat run log: %w", err)
	}

	key := ObjectKey(s.runID)
	if err := store.Put(ctx, bucket, key, f, info.Size(), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("archive run log: %w", err)
	}
	return key, nil
}
