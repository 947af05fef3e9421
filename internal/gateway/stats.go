// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-stream/internal/registry"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// handleStats retorna o snapshot de streams ativos e recentes, as cargas
// por client e o mapa de DCs. A chamada também dispara o prune: records
// terminais com mais de 3s saem do mapa ativo para o deque de recentes.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.reg.Prune()
	active, recent := g.reg.Snapshot()

	resp := map[string]interface{}{
		"active_streams": active,
		"recent_streams": recent,
		"work_loads":     g.pool.Workloads().Snapshot(),
		"client_dc_map":  g.pool.DCMap(),
		"cached_files":   g.cache.Len(),
		"system":         g.monitor.Stats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamDetail retorna um stream pelo id, ativo ou recente.
func (g *Gateway) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	rec, ok := g.reg.Lookup(r.PathValue("stream_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleStreamHistory retorna os últimos streams terminados lidos do
// histórico JSONL durável (o deque de recentes em memória guarda só 3).
// ?limit= controla quantas entradas voltam (default 50).
func (g *Gateway) handleStreamHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries := g.hist.Recent(limit)
	if entries == nil {
		entries = []registry.StreamRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": entries,
		"count":   len(entries),
	})
}

// handleHealth retorna status do processo, uptime e versão.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
		"clients": g.pool.Size(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
