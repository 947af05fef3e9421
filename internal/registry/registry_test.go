// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package registry

import (
	"testing"
	"time"
)

// fakeClock avança manualmente para tornar as métricas determinísticas.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	g := New()
	g.now = clock.now
	return g, clock
}

func openStream(g *Registry, id string) *StreamRecord {
	rec := &StreamRecord{
		StreamID:    id,
		MsgID:       100,
		ChatID:      -1001,
		DCID:        4,
		ClientIndex: 0,
		PartCount:   4,
		PreFetch:    2,
		Parallelism: 3,
		Meta:        Meta{RequestPath: "/dl/t/abc/file.mkv", ClientHost: "10.0.0.9"},
	}
	g.Open(rec)
	return rec
}

func TestNewStreamID(t *testing.T) {
	a := NewStreamID()
	b := NewStreamID()
	if len(a) != 16 {
		t.Errorf("stream id length = %d, want 16", len(a))
	}
	if a == b {
		t.Error("consecutive stream ids should differ")
	}
}

func TestTrack_Throughput(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")

	// Primeira amostra: janela com 1 elemento, instantâneo ainda zero
	clock.advance(time.Second)
	g.Track("s1", 1<<20)

	rec, ok := g.Lookup("s1")
	if !ok {
		t.Fatal("stream not found")
	}
	if rec.TotalBytes != 1<<20 {
		t.Errorf("total_bytes = %d, want %d", rec.TotalBytes, 1<<20)
	}
	if rec.InstantMbps != 0 {
		t.Errorf("instant_mbps with single sample = %f, want 0", rec.InstantMbps)
	}

	// Segunda amostra: 2 MiB em 2s acumulados → 1 MB/s
	clock.advance(time.Second)
	g.Track("s1", 1<<20)

	rec, _ = g.Lookup("s1")
	if got := rec.InstantMbps; got < 0.99 || got > 1.01 {
		t.Errorf("instant_mbps = %f, want ~1.0", got)
	}
	if got := rec.AvgMbps; got < 0.99 || got > 1.01 {
		t.Errorf("avg_mbps = %f, want ~1.0", got)
	}
	if rec.PeakMbps != rec.InstantMbps {
		t.Errorf("peak_mbps = %f, want %f", rec.PeakMbps, rec.InstantMbps)
	}
}

func TestTrack_InstantCapped(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")

	// Amostras praticamente instantâneas: elapsed floor evita divisão por
	// zero e o teto prende em 1000 MB/s
	for i := 0; i < 3; i++ {
		clock.advance(time.Nanosecond)
		g.Track("s1", 64<<20)
	}

	rec, _ := g.Lookup("s1")
	if rec.InstantMbps != 1000.0 {
		t.Errorf("instant_mbps = %f, want capped at 1000", rec.InstantMbps)
	}
}

func TestTrack_WindowSlides(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")

	// Três amostras lentas seguidas de três rápidas: a janela de tamanho 3
	// deve refletir apenas as rápidas ao final
	for i := 0; i < 3; i++ {
		clock.advance(2 * time.Second)
		g.Track("s1", 1<<20)
	}
	for i := 0; i < 3; i++ {
		clock.advance(100 * time.Millisecond)
		g.Track("s1", 1<<20)
	}

	rec, _ := g.Lookup("s1")
	// 3 MiB em 0.3s = 10 MB/s
	if got := rec.InstantMbps; got < 9.9 || got > 10.1 {
		t.Errorf("instant_mbps after window slide = %f, want ~10.0", got)
	}
}

func TestFinish_StampsTerminalState(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")

	clock.advance(time.Second)
	g.Track("s1", 2<<20)
	clock.advance(time.Second)
	g.Finish("s1", StatusFinished)

	rec, ok := g.Lookup("s1")
	if !ok {
		t.Fatal("finished stream should still be in active map before prune")
	}
	if rec.Status != StatusFinished {
		t.Errorf("status = %q, want %q", rec.Status, StatusFinished)
	}
	if rec.EndTS == 0 || rec.Duration < 1.99 || rec.Duration > 2.01 {
		t.Errorf("end_ts/duration not stamped: end=%f dur=%f", rec.EndTS, rec.Duration)
	}
}

func TestPrune_GraceAndRecency(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")
	g.Finish("s1", StatusCancelled)

	// Antes da janela de 3s o record fica no mapa ativo
	clock.advance(time.Second)
	g.Prune()
	active, recent := g.Snapshot()
	if len(active) != 1 || len(recent) != 0 {
		t.Fatalf("premature prune: active=%d recent=%d", len(active), len(recent))
	}

	clock.advance(3 * time.Second)
	g.Prune()
	active, recent = g.Snapshot()
	if len(active) != 0 || len(recent) != 1 {
		t.Fatalf("expected prune after grace: active=%d recent=%d", len(active), len(recent))
	}
	if recent[0].StreamID != "s1" {
		t.Errorf("recent stream id = %q, want s1", recent[0].StreamID)
	}

	// Lookup ainda encontra pelo deque de recentes
	if _, ok := g.Lookup("s1"); !ok {
		t.Error("Lookup should find pruned stream in recent deque")
	}
}

func TestPrune_SkipsActiveStreams(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")

	clock.advance(time.Minute)
	g.Prune()

	active, _ := g.Snapshot()
	if len(active) != 1 {
		t.Fatal("active stream must never be pruned by age alone")
	}
}

func TestRecent_Bounded(t *testing.T) {
	g, clock := newTestRegistry()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		openStream(g, id)
		g.Finish(id, StatusFinished)
		clock.advance(4 * time.Second)
		g.Prune()
		_ = i
	}

	_, recent := g.Snapshot()
	if len(recent) != 3 {
		t.Fatalf("recent deque size = %d, want 3", len(recent))
	}
	// Ficam os três últimos, em ordem de término
	want := []string{"c", "d", "e"}
	for i, rec := range recent {
		if rec.StreamID != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, rec.StreamID, want[i])
		}
	}
}

func TestProgress(t *testing.T) {
	g, clock := newTestRegistry()
	openStream(g, "s1")
	clock.advance(time.Second)
	g.Track("s1", 5<<20)

	total, left, known := g.Progress("s1")
	if !known || left || total != 5<<20 {
		t.Errorf("Progress active = (%d, %v, %v), want (5MiB, false, true)", total, left, known)
	}

	g.Finish("s1", StatusFinished)
	clock.advance(4 * time.Second)
	g.Prune()

	total, left, known = g.Progress("s1")
	if !known || !left || total != 5<<20 {
		t.Errorf("Progress recent = (%d, %v, %v), want (5MiB, true, true)", total, left, known)
	}

	if _, _, known := g.Progress("missing"); known {
		t.Error("Progress of unknown stream should report not known")
	}
}
