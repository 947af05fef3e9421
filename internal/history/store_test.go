// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package history

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/registry"
)

type fakeUploader struct {
	mu    sync.Mutex
	names []string
}

func (u *fakeUploader) Upload(ctx context.Context, name, path string) error {
	u.mu.Lock()
	u.names = append(u.names, name)
	u.mu.Unlock()
	return nil
}

func finishedRecord(id string, bytes int64) *registry.StreamRecord {
	return &registry.StreamRecord{
		StreamID:   id,
		MsgID:      10,
		ChatID:     -1001,
		DCID:       4,
		TotalBytes: bytes,
		Status:     registry.StatusFinished,
	}
}

func TestStore_PushAndRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "history.jsonl"), 0, "", nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Push(finishedRecord(fmt.Sprintf("s%d", i), int64(i)*1024))
	}

	recent := s.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) len = %d, want 3", len(recent))
	}
	if recent[2].StreamID != "s4" {
		t.Errorf("last recent = %q, want s4", recent[2].StreamID)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")

	s, err := NewStore(path, 0, "", nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Push(finishedRecord("s1", 100))
	s.Close()

	reopened, err := NewStore(path, 0, "", nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	defer reopened.Close()

	reopened.Push(finishedRecord("s2", 200))
	recent := reopened.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("Recent len = %d, want 2", len(recent))
	}
}

func TestStore_RotationArchivesOldHalf(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	uploader := &fakeUploader{}

	s, err := NewStore(filepath.Join(dir, "history.jsonl"), 10, archiveDir, uploader, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	for i := 0; i < 11; i++ {
		s.Push(finishedRecord(fmt.Sprintf("s%d", i), 1024))
	}

	// Metade recente fica no arquivo vivo
	recent := s.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("live file has %d entries after rotation, want 5", len(recent))
	}
	if recent[0].StreamID != "s6" {
		t.Errorf("oldest live entry = %q, want s6", recent[0].StreamID)
	}

	// Metade antiga virou um .jsonl.gz legível
	archives, err := filepath.Glob(filepath.Join(archiveDir, "streams-*.jsonl.gz"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("archives = %v (err %v), want exactly 1", archives, err)
	}

	f, err := os.Open(archives[0])
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	lines := 0
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines++
	}
	if lines != 6 {
		t.Errorf("archive has %d lines, want 6", lines)
	}

	// Upload em background recebe o archive
	deadline := time.After(2 * time.Second)
	for {
		uploader.mu.Lock()
		n := len(uploader.names)
		uploader.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("uploader was not called for the rotated archive")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
