// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package token gerencia os bearer tokens do gateway: cadastro, quotas
// diárias e mensais em GB, contadores de uso com rollover por período e o
// flusher que alimenta os contadores a partir da telemetria dos streams.
package token

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrInvalidToken indica token ausente, desconhecido ou revogado.
var ErrInvalidToken = errors.New("invalid token")

// ErrTokenExists indica tentativa de cadastrar um token já existente.
var ErrTokenExists = errors.New("token already exists")

// Limites de quota por token. Nil significa ilimitado.
type Limits struct {
	DailyLimitGB   *float64 `json:"daily_limit_gb"`
	MonthlyLimitGB *float64 `json:"monthly_limit_gb"`
}

// PeriodUsage acumula bytes dentro de um período (dia ou mês).
type PeriodUsage struct {
	Bytes  int64  `json:"bytes"`
	Period string `json:"period"` // "2006-01-02" para diário, "2006-01" para mensal
}

// Usage agrega os contadores correntes de um token.
type Usage struct {
	Daily   PeriodUsage `json:"daily"`
	Monthly PeriodUsage `json:"monthly"`
}

// Record é o snapshot persistido de um token.
type Record struct {
	Value         string  `json:"value"`
	Name          string  `json:"name"`
	Limits        Limits  `json:"limits"`
	Usage         Usage   `json:"usage"`
	RateLimitMbps float64 `json:"rate_limit_mbps,omitempty"`
	Revoked       bool    `json:"revoked,omitempty"`
}

// Exceeded informa qual limite o token estourou.
// Valores: "" (dentro da quota), "daily" ou "monthly".
func (r Record) Exceeded(now time.Time) string {
	daily := r.Usage.Daily
	if daily.Period != dayKey(now) {
		daily.Bytes = 0
	}
	if r.Limits.DailyLimitGB != nil && *r.Limits.DailyLimitGB > 0 {
		if float64(daily.Bytes)/(1<<30) >= *r.Limits.DailyLimitGB {
			return "daily"
		}
	}

	monthly := r.Usage.Monthly
	if monthly.Period != monthKey(now) {
		monthly.Bytes = 0
	}
	if r.Limits.MonthlyLimitGB != nil && *r.Limits.MonthlyLimitGB > 0 {
		if float64(monthly.Bytes)/(1<<30) >= *r.Limits.MonthlyLimitGB {
			return "monthly"
		}
	}

	return ""
}

// Store persiste tokens em JSONL: cada mutação anexa um snapshot completo
// do record e o replay na carga reconstrói o estado (última linha de cada
// token vence). Rotação compacta o arquivo para um snapshot por token.
type Store struct {
	mu        sync.Mutex
	records   map[string]*Record
	order     []string
	file      *os.File
	path      string
	maxLines  int
	lineCount int

	now func() time.Time
}

// NewStore carrega (ou cria) o arquivo de tokens.
func NewStore(path string, maxLines int) (*Store, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	records, order, lineCount, err := loadTokenJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading token file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening token file for append: %w", err)
	}

	return &Store{
		records:   records,
		order:     order,
		file:      f,
		path:      path,
		maxLines:  maxLines,
		lineCount: lineCount,
		now:       time.Now,
	}, nil
}

func loadTokenJSONL(path string) (map[string]*Record, []string, int, error) {
	records := make(map[string]*Record)
	var order []string

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil, 0, nil
		}
		return nil, nil, 0, err
	}
	defer f.Close()

	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Value == "" {
			continue
		}
		if _, seen := records[rec.Value]; !seen {
			order = append(order, rec.Value)
		}
		records[rec.Value] = &rec
	}

	return records, order, lineCount, scanner.Err()
}

// Get retorna o snapshot atual de um token.
func (s *Store) Get(value string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[value]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Verify valida o token para admissão de um stream novo. Retorna o record
// e qual limite está estourado ("" quando dentro da quota). Token ausente
// ou revogado falha com ErrInvalidToken.
func (s *Store) Verify(value string) (Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[value]
	if !ok || rec.Revoked {
		return Record{}, "", ErrInvalidToken
	}
	return *rec, rec.Exceeded(s.now()), nil
}

// Add cadastra um token novo.
func (s *Store) Add(value, name string, limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[value]; ok {
		return ErrTokenExists
	}
	rec := &Record{Value: value, Name: name, Limits: limits}
	s.records[value] = rec
	s.order = append(s.order, value)
	return s.appendLocked(rec)
}

// Revoke marca o token como revogado; streams em andamento não são
// derrubados, apenas admissões futuras.
func (s *Store) Revoke(value string) error {
	return s.mutate(value, func(rec *Record) { rec.Revoked = true })
}

// UpdateLimits troca os limites de quota de um token.
func (s *Store) UpdateLimits(value string, limits Limits) error {
	return s.mutate(value, func(rec *Record) { rec.Limits = limits })
}

// UpdateRateLimit define o teto de banda por stream do token (0 desliga).
func (s *Store) UpdateRateLimit(value string, mbps float64) error {
	return s.mutate(value, func(rec *Record) { rec.RateLimitMbps = mbps })
}

// UpdateUsage soma delta bytes aos contadores diário e mensal, com
// rollover implícito quando o período armazenado ficou para trás.
func (s *Store) UpdateUsage(value string, delta int64) error {
	return s.mutate(value, func(rec *Record) {
		now := s.now()

		if day := dayKey(now); rec.Usage.Daily.Period != day {
			rec.Usage.Daily = PeriodUsage{Period: day}
		}
		if month := monthKey(now); rec.Usage.Monthly.Period != month {
			rec.Usage.Monthly = PeriodUsage{Period: month}
		}

		rec.Usage.Daily.Bytes += delta
		rec.Usage.Monthly.Bytes += delta
	})
}

// Rollover zera contadores de períodos encerrados em todos os tokens.
// Disparado pelo job de virada de dia; o rollover implícito de UpdateUsage
// cobre o caso de o job não rodar.
func (s *Store) Rollover() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, value := range s.order {
		rec := s.records[value]
		changed := false
		if day := dayKey(now); rec.Usage.Daily.Period != day && rec.Usage.Daily.Bytes > 0 {
			rec.Usage.Daily = PeriodUsage{Period: day}
			changed = true
		}
		if month := monthKey(now); rec.Usage.Monthly.Period != month && rec.Usage.Monthly.Bytes > 0 {
			rec.Usage.Monthly = PeriodUsage{Period: month}
			changed = true
		}
		if changed {
			s.appendLocked(rec)
		}
	}
}

// List retorna snapshots de todos os tokens, na ordem de cadastro.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for _, value := range s.order {
		out = append(out, *s.records[value])
	}
	return out
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

func (s *Store) mutate(value string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[value]
	if !ok {
		return ErrInvalidToken
	}
	fn(rec)
	return s.appendLocked(rec)
}

func (s *Store) appendLocked(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending token record: %w", err)
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotateLocked()
	}
	return nil
}

// rotateLocked reescreve o arquivo com um snapshot por token.
func (s *Store) rotateLocked() {
	s.file.Close()
	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		return
	}

	w := bufio.NewWriter(f)
	written := 0
	for _, value := range s.order {
		data, err := json.Marshal(s.records[value])
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
		written++
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return
	}
	s.lineCount = written
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }
