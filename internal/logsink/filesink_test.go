package logsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memoryStore) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	sink, err := Open(t.TempDir(), "run-1", 3)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer sink.Close()
	sink.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sink.WriteLog(context.Background(), fmt.Sprintf("line %d", i)); err != nil {
				t.Errorf("WriteLog() err=%v", err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(sink.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "2026-01-02T03:04:05Z line ") {
			t.Fatalf("unexpected line %q", line)
		}
	}
	if sink.StageID() != 3 {
		t.Fatalf("StageID()=%d", sink.StageID())
	}
}

func TestFileSinkSplitsMultilineMessages(t *testing.T) {
	sink, err := Open(t.TempDir(), "run-2", 0)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	if err := sink.WriteLog(context.Background(), "step 1\nstep 2\n"); err != nil {
		t.Fatalf("WriteLog() err=%v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if err := sink.WriteLog(context.Background(), "late"); err == nil {
		t.Fatalf("expected error after close")
	}
	data, _ := os.ReadFile(sink.Path())
	if got := bytes.Count(data, []byte("\n")); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}
}

func TestArchive(t *testing.T) {
	sink, err := Open(t.TempDir(), "run-3", 0)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	_ = sink.WriteLog(context.Background(), "deployed")
	_ = sink.Close()

	store := &memoryStore{}
	key, err := sink.Archive(context.Background(), store, "run-logs")
	if err != nil {
		t.Fatalf("Archive() err=%v", err)
	}
	if key != "runs/run-3/run.log" {
		t.Fatalf("key=%s", key)
	}
	if !bytes.Contains(store.objects["run-logs/"+key], []byte("deployed")) {
		t.Fatalf("archived content missing line")
	}
}

func TestOpenRejectsPathRunID(t *testing.T) {
	if _, err := Open(t.TempDir(), "../escape", 0); err == nil {
		t.Fatalf("expected error for run id with separator")
	}
}
