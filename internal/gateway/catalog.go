// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"net/http"
	"strings"
)

// streamEntry é uma entrada do catálogo de playback.
type streamEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// handlePlayback é o lookup de catálogo: valida o token e responde
// {"streams":[...]} com a URL real de stream, ou uma única entrada
// placeholder apontando para o vídeo de aviso quando o token estourou a
// quota. É aqui (e não no /dl) que a quota barra.
func (g *Gateway) handlePlayback(w http.ResponseWriter, r *http.Request) {
	tokenValue := r.PathValue("token")
	_, exceeded, err := g.tokens.Verify(tokenValue)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	var entry streamEntry
	switch exceeded {
	case "daily":
		if g.cfg.Tokens.DailyLimitVideo == "" {
			http.Error(w, "Daily limit reached", http.StatusForbidden)
			return
		}
		entry = streamEntry{Name: "Daily limit reached", URL: g.cfg.Tokens.DailyLimitVideo}
	case "monthly":
		if g.cfg.Tokens.MonthlyLimitVideo == "" {
			http.Error(w, "Monthly limit reached", http.StatusForbidden)
			return
		}
		entry = streamEntry{Name: "Monthly limit reached", URL: g.cfg.Tokens.MonthlyLimitVideo}
	default:
		name := r.PathValue("name")
		base := strings.TrimSuffix(g.cfg.Server.BaseURL, "/")
		entry = streamEntry{
			Name: name,
			URL:  base + "/dl/" + tokenValue + "/" + r.PathValue("id") + "/" + name,
		}
	}

	writeJSON(w, http.StatusOK, map[string][]streamEntry{"streams": {entry}})
}
