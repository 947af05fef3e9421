// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats são as métricas de host publicadas no endpoint de stats.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAverage   float64 `json:"load_average"`
}

// SystemMonitor coleta métricas de host periodicamente, para correlacionar
// throughput dos streams com saturação da máquina.
type SystemMonitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor cria o monitor; a coleta começa em Start.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		close:  make(chan struct{}),
	}
}

// Start inicia a coleta periódica.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop encerra o monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats retorna a última coleta.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
