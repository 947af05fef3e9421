// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-stream/internal/upstream"
)

// Parâmetros do retry de chunk. Vars (não consts) para os testes encurtarem.
var (
	fetchAttempts    = 4
	fetchBackoffStep = 150 * time.Millisecond
)

// FetchFunc busca um chunk alinhado em offset. É a fronteira entre o
// pipeline e a sessão upstream; os testes injetam fakes aqui.
type FetchFunc func(ctx context.Context, offset int64) ([]byte, error)

// ChunkFetcher monta uma FetchFunc com retry sobre uma sessão de mídia.
// Cada falha espera 0.15s × tentativa antes do próximo fetch; o esgotamento
// das tentativas é fatal para o pipeline.
func ChunkFetcher(sess upstream.Session, loc upstream.Location, chunkSize int64, logger *slog.Logger) FetchFunc {
	return func(ctx context.Context, offset int64) ([]byte, error) {
		var lastErr error

		for attempt := 1; attempt <= fetchAttempts; attempt++ {
			chunk, err := sess.FetchChunk(ctx, loc, offset, int(chunkSize))
			if err == nil {
				return chunk, nil
			}
			lastErr = err

			if attempt == fetchAttempts {
				break
			}
			logger.Debug("chunk fetch failed; retrying",
				"offset", offset, "attempt", attempt, "error", err)

			select {
			case <-time.After(time.Duration(attempt) * fetchBackoffStep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, fmt.Errorf("fetching chunk at offset %d after %d attempts: %w",
			offset, fetchAttempts, lastErr)
	}
}
