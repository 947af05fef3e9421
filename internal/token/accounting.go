// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package token

import (
	"context"
	"log/slog"
	"time"
)

// Intervalos do flusher. Vars (não consts) para os testes encurtarem.
var (
	flushWarmup   = 2 * time.Second
	flushInterval = 10 * time.Second
)

// StreamProgress expõe os bytes acumulados de um stream na telemetria.
// left indica que o stream saiu do mapa ativo (terminou e foi podado).
type StreamProgress interface {
	Progress(streamID string) (total int64, left bool, known bool)
}

// UsageSink recebe os deltas de bytes atribuídos a um token.
type UsageSink interface {
	UpdateUsage(token string, delta int64) error
}

// FlushUsage acompanha um stream e credita seus bytes ao token em ticks
// periódicos. Bloqueia até o stream sumir da telemetria ou o ctx cancelar;
// nos dois casos faz um catch-up final antes de retornar, então a soma dos
// deltas emitidos iguala o total_bytes observado por último.
//
// Roda uma goroutine por stream. A contabilidade é best-effort: o racing
// entre o último chunk e o tick final pode subcontar até um tick de bytes.
func FlushUsage(ctx context.Context, reg StreamProgress, sink UsageSink, tokenValue, streamID string, logger *slog.Logger) {
	lastTracked := int64(0)

	flush := func() {
		total, _, known := reg.Progress(streamID)
		if !known {
			return
		}
		if delta := total - lastTracked; delta > 0 {
			if err := sink.UpdateUsage(tokenValue, delta); err != nil {
				logger.Warn("token usage update failed", "stream", streamID, "error", err)
				return
			}
			lastTracked = total
		}
	}

	select {
	case <-time.After(flushWarmup):
	case <-ctx.Done():
		flush()
		return
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			total, left, known := reg.Progress(streamID)
			if known {
				if delta := total - lastTracked; delta > 0 {
					if err := sink.UpdateUsage(tokenValue, delta); err != nil {
						logger.Warn("token usage update failed", "stream", streamID, "error", err)
						continue
					}
					lastTracked = total
				}
			}
			if left || !known {
				return
			}
		}
	}
}
