// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newCapture() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := NewDropHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return slog.New(handler), &buf
}

func TestDropHandler_DropsClientAborts(t *testing.T) {
	logger, buf := newCapture()

	logger.Error("write failed", "error", errors.New("write tcp 1.2.3.4:443: broken pipe"))
	logger.Error("copy aborted", "error", errors.New("read: connection reset by peer"))
	logger.Warn("stream stopped", "err", errors.New("context canceled"))

	if got := buf.String(); got != "" {
		t.Errorf("expected client-abort records to be dropped, got %q", got)
	}
}

func TestDropHandler_KeepsRealErrors(t *testing.T) {
	logger, buf := newCapture()

	logger.Error("chunk fetch failed", "error", errors.New("FILE_REFERENCE_EXPIRED"))
	logger.Info("stream finished", "stream_id", "abc123")

	got := buf.String()
	if !strings.Contains(got, "FILE_REFERENCE_EXPIRED") {
		t.Errorf("expected real error to pass through, got %q", got)
	}
	if !strings.Contains(got, "stream finished") {
		t.Errorf("expected info record to pass through, got %q", got)
	}
}

func TestDropHandler_PreboundError(t *testing.T) {
	logger, buf := newCapture()

	bound := logger.With("error", errors.New("broken pipe"))
	bound.Error("writer failed")

	if got := buf.String(); got != "" {
		t.Errorf("expected pre-bound abort error to be dropped, got %q", got)
	}
}
