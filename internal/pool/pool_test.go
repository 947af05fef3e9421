// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/upstream"
)

// fakeSession registra imports e pode falhar os N primeiros.
type fakeSession struct {
	dc             int
	importCalls    int32
	failImports    int32 // quantos imports iniciais falham com ErrAuthBytesInvalid
	closed         atomic.Bool
}

func (s *fakeSession) DC() int { return s.dc }

func (s *fakeSession) FetchChunk(ctx context.Context, loc upstream.Location, offset int64, limit int) ([]byte, error) {
	return nil, nil
}

func (s *fakeSession) ImportAuthorization(ctx context.Context, id int64, key []byte) error {
	n := atomic.AddInt32(&s.importCalls, 1)
	if n <= atomic.LoadInt32(&s.failImports) {
		return upstream.ErrAuthBytesInvalid
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeUpstream implementa upstream.Client contando operações.
type fakeUpstream struct {
	homeDC      int
	failImports int32

	mu       sync.Mutex
	opens    map[int]int // dc → OpenSession count
	exports  int
	sessions []*fakeSession
}

func newFakeUpstream(homeDC int) *fakeUpstream {
	return &fakeUpstream{homeDC: homeDC, opens: make(map[int]int)}
}

func (f *fakeUpstream) Name() string                                 { return "fake" }
func (f *fakeUpstream) HomeDC(ctx context.Context) (int, error)      { return f.homeDC, nil }
func (f *fakeUpstream) TestMode(ctx context.Context) (bool, error)   { return false, nil }

func (f *fakeUpstream) ResolveFile(ctx context.Context, chatID int64, msgID int) (*upstream.FileDescriptor, error) {
	return nil, upstream.ErrFileNotFound
}

func (f *fakeUpstream) ExportAuthorization(ctx context.Context, dc int) (int64, []byte, error) {
	f.mu.Lock()
	f.exports++
	f.mu.Unlock()
	return 42, []byte("auth"), nil
}

func (f *fakeUpstream) OpenSession(ctx context.Context, dc int, opts upstream.SessionOptions) (upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[dc]++
	sess := &fakeSession{dc: dc, failImports: f.failImports}
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

func (f *fakeUpstream) openCount(dc int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[dc]
}

func (f *fakeUpstream) exportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports
}

func newTestPool(ups ...*fakeUpstream) *SessionPool {
	clients := make([]upstream.Client, len(ups))
	dcs := make([]int, len(ups))
	for i, u := range ups {
		clients[i] = u
		dcs[i] = u.homeDC
	}
	return NewSessionPool(clients, dcs, logging.NewNop())
}

func shortRetries(t *testing.T) {
	t.Helper()
	oldInvalid, oldTransient := authRetryDelayInvalid, authRetryDelayTransient
	authRetryDelayInvalid = time.Millisecond
	authRetryDelayTransient = time.Millisecond
	t.Cleanup(func() {
		authRetryDelayInvalid = oldInvalid
		authRetryDelayTransient = oldTransient
	})
}

func TestSessionPool_SessionSingularity(t *testing.T) {
	up := newFakeUpstream(4)
	p := newTestPool(up)

	// 8 chamadas concorrentes para o mesmo (client, dc) cross-DC
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.SessionFor(context.Background(), 0, 2); err != nil {
				t.Errorf("SessionFor: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := up.openCount(2); got != 1 {
		t.Errorf("expected exactly 1 session creation for DC 2, got %d", got)
	}
	if got := up.exportCount(); got != 1 {
		t.Errorf("expected exactly 1 authorization export, got %d", got)
	}
}

func TestSessionPool_HomeDCSkipsImport(t *testing.T) {
	up := newFakeUpstream(4)
	p := newTestPool(up)

	sess, err := p.SessionFor(context.Background(), 0, 4)
	if err != nil {
		t.Fatalf("SessionFor home DC: %v", err)
	}
	if sess.DC() != 4 {
		t.Errorf("expected session on DC 4, got %d", sess.DC())
	}
	if got := up.exportCount(); got != 0 {
		t.Errorf("expected no authorization export for home DC, got %d", got)
	}
}

func TestSessionPool_AuthImportRetries(t *testing.T) {
	shortRetries(t)

	up := newFakeUpstream(4)
	up.failImports = 2 // dois AUTH_BYTES_INVALID antes de dar certo
	p := newTestPool(up)

	sess, err := p.SessionFor(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("SessionFor should survive transient auth failures: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if got := up.exportCount(); got != 3 {
		t.Errorf("expected 3 export attempts (2 failures + 1 success), got %d", got)
	}
}

func TestSessionPool_AuthImportExhaustion(t *testing.T) {
	shortRetries(t)

	up := newFakeUpstream(4)
	up.failImports = 100 // nunca dá certo
	p := newTestPool(up)

	if _, err := p.SessionFor(context.Background(), 0, 2); err == nil {
		t.Fatal("expected error after auth import exhaustion")
	}

	// Sessão falhada não é cacheada nem vaza: fechada e recriada na próxima
	if !up.sessions[0].closed.Load() {
		t.Error("expected failed session to be closed")
	}

	up.failImports = 0
	if _, err := p.SessionFor(context.Background(), 0, 2); err != nil {
		t.Fatalf("expected fresh creation to succeed: %v", err)
	}
	if got := up.openCount(2); got != 2 {
		t.Errorf("expected 2 creations (failed + fresh), got %d", got)
	}
}

func TestSessionPool_Prewarm(t *testing.T) {
	up := newFakeUpstream(4)
	p := newTestPool(up)

	p.Prewarm(context.Background())

	// Aguarda o background terminar: DCs 1, 2 e 5 (4 é o home)
	deadline := time.After(2 * time.Second)
	for {
		if up.openCount(1) == 1 && up.openCount(2) == 1 && up.openCount(5) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("prewarm did not open expected sessions: %v", up.opens)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := up.openCount(4); got != 0 {
		t.Errorf("prewarm should skip home DC, got %d creations", got)
	}
}

func TestWorkloadTable_Conservation(t *testing.T) {
	w := NewWorkloadTable(3)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			idx := n % 3
			w.Incr(idx)
			w.Decr(idx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		if got := w.Get(i); got != 0 {
			t.Errorf("workload[%d] = %d after balanced incr/decr, want 0", i, got)
		}
	}
}

func TestWorkloadTable_NeverNegative(t *testing.T) {
	w := NewWorkloadTable(1)
	w.Decr(0)
	w.Decr(0)
	if got := w.Get(0); got != 0 {
		t.Errorf("workload must not go negative, got %d", got)
	}
}

func TestPick_DCAffinity(t *testing.T) {
	a := newFakeUpstream(2)
	b := newFakeUpstream(4)
	c := newFakeUpstream(4)
	p := newTestPool(a, b, c)

	// Client 1 carregado: afinidade deve preferir o client 2 (mesmo DC, menor carga)
	p.Workloads().Incr(1)
	if got := p.Pick(4); got != 2 {
		t.Errorf("Pick(4) = %d, want 2 (least-loaded DC 4 client)", got)
	}

	// DC sem client dedicado: menor carga global (client 0 e 2 empatam em 0 → menor índice)
	if got := p.Pick(3); got != 0 {
		t.Errorf("Pick(3) = %d, want 0 (global least-loaded, stable by index)", got)
	}
}

func TestPick_StableTieBreak(t *testing.T) {
	a := newFakeUpstream(4)
	b := newFakeUpstream(4)
	p := newTestPool(a, b)

	if got := p.Pick(4); got != 0 {
		t.Errorf("Pick(4) with equal loads = %d, want 0", got)
	}
}
