// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/logging"
)

// scriptedRegistry devolve estados de progresso em sequência.
type scriptedRegistry struct {
	mu    sync.Mutex
	steps []progressStep
	pos   int
}

type progressStep struct {
	total int64
	left  bool
	known bool
}

func (r *scriptedRegistry) Progress(streamID string) (int64, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.steps[r.pos]
	if r.pos < len(r.steps)-1 {
		r.pos++
	}
	return step.total, step.left, step.known
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []int64
}

func (s *recordingSink) UpdateUsage(token string, delta int64) error {
	s.mu.Lock()
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) sum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, d := range s.deltas {
		total += d
	}
	return total
}

func shortFlush(t *testing.T) {
	t.Helper()
	oldWarmup, oldInterval := flushWarmup, flushInterval
	flushWarmup = time.Millisecond
	flushInterval = 5 * time.Millisecond
	t.Cleanup(func() {
		flushWarmup = oldWarmup
		flushInterval = oldInterval
	})
}

func TestFlushUsage_DeltasSumToTotal(t *testing.T) {
	shortFlush(t)

	reg := &scriptedRegistry{steps: []progressStep{
		{total: 1 << 20, known: true},
		{total: 3 << 20, known: true},
		{total: 5 << 20, known: true},
		{total: 5 << 20, left: true, known: true}, // saiu do mapa ativo
	}}
	sink := &recordingSink{}

	done := make(chan struct{})
	go func() {
		FlushUsage(context.Background(), reg, sink, "tok-1", "s1", logging.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FlushUsage did not exit after stream left the registry")
	}

	if got := sink.sum(); got != 5<<20 {
		t.Errorf("sum of deltas = %d, want %d", got, 5<<20)
	}
}

func TestFlushUsage_FinalCatchUpOnCancel(t *testing.T) {
	shortFlush(t)

	reg := &scriptedRegistry{steps: []progressStep{
		{total: 2 << 20, known: true},
	}}
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		FlushUsage(ctx, reg, sink, "tok-1", "s1", logging.NewNop())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FlushUsage did not exit on cancellation")
	}

	if got := sink.sum(); got != 2<<20 {
		t.Errorf("sum of deltas after cancel = %d, want %d", got, 2<<20)
	}
}

func TestFlushUsage_NoDeltaNoCall(t *testing.T) {
	shortFlush(t)

	reg := &scriptedRegistry{steps: []progressStep{
		{total: 0, known: true},
		{total: 0, left: true, known: true},
	}}
	sink := &recordingSink{}

	FlushUsage(context.Background(), reg, sink, "tok-1", "s1", logging.NewNop())

	if len(sink.deltas) != 0 {
		t.Errorf("expected no usage updates for idle stream, got %v", sink.deltas)
	}
}

func TestFlushUsage_UnknownStreamExits(t *testing.T) {
	shortFlush(t)

	reg := &scriptedRegistry{steps: []progressStep{
		{known: false},
	}}
	sink := &recordingSink{}

	done := make(chan struct{})
	go func() {
		FlushUsage(context.Background(), reg, sink, "tok-1", "ghost", logging.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FlushUsage must exit when the stream is unknown")
	}
}
