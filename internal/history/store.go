// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package history persiste o histórico de streams terminados em JSONL.
// Quando o arquivo passa do limite de linhas, a metade mais antiga é
// rotacionada para um archive gzip e, se configurado, enviada ao S3.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nishisan-dev/n-stream/internal/registry"
)

// Uploader envia um archive rotacionado para armazenamento externo.
type Uploader interface {
	Upload(ctx context.Context, name string, path string) error
}

// Store é o log JSONL de streams terminados.
type Store struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxLines   int
	lineCount  int
	archiveDir string
	uploader   Uploader
	logger     *slog.Logger
}

// NewStore abre (ou cria) o arquivo de histórico. uploader pode ser nil.
func NewStore(path string, maxLines int, archiveDir string, uploader Uploader, logger *slog.Logger) (*Store, error) {
	if maxLines <= 0 {
		maxLines = 5000
	}

	lineCount, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("inspecting history file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening history file for append: %w", err)
	}

	return &Store{
		file:       f,
		path:       path,
		maxLines:   maxLines,
		lineCount:  lineCount,
		archiveDir: archiveDir,
		uploader:   uploader,
		logger:     logger,
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// Push anexa um stream terminado ao histórico.
func (s *Store) Push(rec *registry.StreamRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.logger.Warn("history append failed", "error", err)
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// Recent lê as últimas limit entradas do arquivo.
func (s *Store) Recent(limit int) []registry.StreamRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []registry.StreamRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec registry.StreamRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		entries = append(entries, rec)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Close fecha o handle do arquivo.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate move a metade mais antiga do arquivo para um archive gzip e
// mantém a metade recente no JSONL vivo. O upload roda em background.
func (s *Store) rotate() {
	keep := s.maxLines / 2

	lines, err := readLines(s.path)
	if err != nil || len(lines) <= keep {
		return
	}
	cut := len(lines) - keep
	old, recent := lines[:cut], lines[cut:]

	var archivePath string
	if s.archiveDir != "" {
		archivePath, err = writeArchive(s.archiveDir, old)
		if err != nil {
			s.logger.Warn("history archive failed; keeping full file", "error", err)
			return
		}
	}

	s.file.Close()
	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, line := range recent {
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(recent)

	if archivePath != "" && s.uploader != nil {
		go func(path string) {
			if err := s.uploader.Upload(context.Background(), path, path); err != nil {
				s.logger.Warn("history archive upload failed", "archive", path, "error", err)
			}
		}(archivePath)
	}
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
