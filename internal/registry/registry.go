// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry mantém a telemetria de streams do gateway: um mapa
// process-wide de streams ativos e um deque limitado dos recém-terminados,
// com throughput instantâneo, médio e de pico calculados a cada chunk.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// recentCapacity limita o deque de streams terminados.
	recentCapacity = 3

	// pruneGrace é quanto tempo um stream terminal permanece no mapa ativo
	// antes do prune (disparado na chamada de stats) movê-lo para recentes.
	pruneGrace = 3 * time.Second

	// windowSize é o tamanho da janela deslizante de amostras (bytes, elapsed)
	// usada no throughput instantâneo.
	windowSize = 3
)

// Status de um stream no registry.
const (
	StatusActive    = "active"
	StatusFinished  = "finished"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Meta carrega o contexto HTTP da requisição que abriu o stream.
type Meta struct {
	RequestPath string `json:"request_path"`
	ClientHost  string `json:"client_host"`
}

// StreamRecord é a entidade de telemetria de um stream. Timestamps em
// segundos unix (fração inclusa) para a aritmética de throughput.
type StreamRecord struct {
	StreamID    string  `json:"stream_id"`
	MsgID       int     `json:"msg_id"`
	ChatID      int64   `json:"chat_id"`
	DCID        int     `json:"dc_id"`
	ClientIndex int     `json:"client_index"`
	StartTS     float64 `json:"start_ts"`
	LastTS      float64 `json:"last_ts"`
	EndTS       float64 `json:"end_ts,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	TotalBytes  int64   `json:"total_bytes"`
	InstantMbps float64 `json:"instant_mbps"`
	AvgMbps     float64 `json:"avg_mbps"`
	PeakMbps    float64 `json:"peak_mbps"`
	Status      string  `json:"status"`
	PartCount   int64   `json:"part_count"`
	PreFetch    int     `json:"prefetch"`
	Parallelism int     `json:"parallelism"`
	Meta        Meta    `json:"meta"`

	window [windowSize]sample
	filled int
	next   int
}

type sample struct {
	bytes   int64
	elapsed float64
}

func (r *StreamRecord) pushSample(bytes int64, elapsed float64) {
	r.window[r.next] = sample{bytes: bytes, elapsed: elapsed}
	r.next = (r.next + 1) % windowSize
	if r.filled < windowSize {
		r.filled++
	}
}

func (r *StreamRecord) windowRate() float64 {
	if r.filled < 2 {
		return 0
	}
	var bytes int64
	var elapsed float64
	for i := 0; i < r.filled; i++ {
		bytes += r.window[i].bytes
		elapsed += r.window[i].elapsed
	}
	if elapsed < 0.01 {
		elapsed = 0.01
	}
	rate := float64(bytes) / elapsed / (1 << 20)
	if rate > 1000.0 {
		rate = 1000.0
	}
	return rate
}

func (r *StreamRecord) terminal() bool {
	return r.Status != StatusActive
}

// clone copia o record sem o estado interno da janela, para snapshots.
func (r *StreamRecord) clone() *StreamRecord {
	c := *r
	c.window = [windowSize]sample{}
	c.filled = 0
	c.next = 0
	return &c
}

// Registry guarda os streams ativos e os recém-terminados.
type Registry struct {
	mu     sync.Mutex
	active map[string]*StreamRecord
	recent []*StreamRecord

	now func() time.Time
}

// New cria um registry vazio.
func New() *Registry {
	return &Registry{
		active: make(map[string]*StreamRecord),
		now:    time.Now,
	}
}

// NewStreamID gera o identificador de 16 hex chars de um stream.
func NewStreamID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Open registra um stream recém-iniciado e retorna seu record. Os campos
// de identificação vêm do chamador; os timestamps são estampados aqui.
func (g *Registry) Open(rec *StreamRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := unix(g.now())
	rec.StartTS = now
	rec.LastTS = now
	rec.Status = StatusActive
	g.active[rec.StreamID] = rec
}

// Track registra um chunk emitido ao consumidor: atualiza bytes, janela
// deslizante e as três métricas de throughput.
func (g *Registry) Track(streamID string, chunkLen int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.active[streamID]
	if !ok {
		return
	}

	now := unix(g.now())
	elapsed := now - rec.LastTS
	if elapsed < 1e-6 {
		elapsed = 1e-6
	}

	rec.pushSample(int64(chunkLen), elapsed)
	rec.InstantMbps = rec.windowRate()
	rec.TotalBytes += int64(chunkLen)
	rec.LastTS = now

	if total := now - rec.StartTS; total > 0 {
		rec.AvgMbps = float64(rec.TotalBytes) / total / (1 << 20)
	}
	if rec.InstantMbps > rec.PeakMbps {
		rec.PeakMbps = rec.InstantMbps
	}
}

// Finish estampa o status terminal, end_ts, duration e avg final. O record
// permanece no mapa ativo até o prune da chamada de stats o mover.
func (g *Registry) Finish(streamID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.active[streamID]
	if !ok {
		return
	}

	now := unix(g.now())
	rec.Status = status
	rec.EndTS = now
	rec.LastTS = now
	rec.Duration = now - rec.StartTS
	if rec.Duration > 0 {
		rec.AvgMbps = float64(rec.TotalBytes) / rec.Duration / (1 << 20)
	}
}

// Prune move para os recentes todo record terminal cujo last_ts tem mais de
// 3 segundos. Chamado oportunisticamente pelo endpoint de stats.
func (g *Registry) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := unix(g.now())
	for id, rec := range g.active {
		if !rec.terminal() || now-rec.LastTS < pruneGrace.Seconds() {
			continue
		}
		delete(g.active, id)
		g.pushRecent(rec)
	}
}

func (g *Registry) pushRecent(rec *StreamRecord) {
	g.recent = append(g.recent, rec)
	if len(g.recent) > recentCapacity {
		g.recent = g.recent[len(g.recent)-recentCapacity:]
	}
}

// Lookup procura um stream primeiro nos ativos, depois nos recentes.
func (g *Registry) Lookup(streamID string) (*StreamRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.active[streamID]; ok {
		return rec.clone(), true
	}
	for i := len(g.recent) - 1; i >= 0; i-- {
		if g.recent[i].StreamID == streamID {
			return g.recent[i].clone(), true
		}
	}
	return nil, false
}

// Progress retorna os bytes acumulados de um stream e se ele já saiu do
// mapa ativo. Usado pelo flusher de quota.
func (g *Registry) Progress(streamID string) (totalBytes int64, left bool, known bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.active[streamID]; ok {
		return rec.TotalBytes, false, true
	}
	for i := len(g.recent) - 1; i >= 0; i-- {
		if g.recent[i].StreamID == streamID {
			return g.recent[i].TotalBytes, true, true
		}
	}
	return 0, true, false
}

// Snapshot retorna cópias dos streams ativos e recentes, para o stats.
func (g *Registry) Snapshot() (active, recent []*StreamRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	active = make([]*StreamRecord, 0, len(g.active))
	for _, rec := range g.active {
		active = append(active, rec.clone())
	}
	recent = make([]*StreamRecord, 0, len(g.recent))
	for _, rec := range g.recent {
		recent = append(recent, rec.clone())
	}
	return active, recent
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
