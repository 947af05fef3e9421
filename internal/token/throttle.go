// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package token

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize limita o burst do rate limiter (256KB), evitando reservas
// enormes quando o corpo chega em fatias de chunk inteiras.
const maxBurstSize = 256 * 1024

// ThrottledWriter limita a banda de um stream ao teto configurado no token
// (token bucket). Envolve o ResponseWriter do stream.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter cria o writer limitado a mbps MB/s. Com mbps <= 0
// retorna o writer original sem throttle.
func NewThrottledWriter(ctx context.Context, w io.Writer, mbps float64) io.Writer {
	if mbps <= 0 {
		return w
	}

	bytesPerSec := mbps * (1 << 20)
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst < 1 {
		burst = 1
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write divide escritas maiores que o burst e espera tokens antes de cada
// pedaço, respeitando o cancelamento do ctx.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
