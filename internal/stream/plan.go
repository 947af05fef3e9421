// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream implementa o motor de streaming do gateway: tradução de
// range HTTP em fetches de chunk alinhados, fetch com retry e o pipeline
// produtor/consumidor com prefetch paralelo e reordenação.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultChunkSize é o tamanho de chunk alinhado usado quando a config
// não define stream.chunk_size.
const DefaultChunkSize int64 = 1 << 20

var (
	// ErrBadRange indica um header Range sintaticamente inválido (400).
	ErrBadRange = errors.New("malformed range header")

	// ErrUnsatisfiable indica um range fora dos limites do arquivo (416).
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Plan descreve como um range de bytes vira uma sequência de chunks
// alinhados e quais cortes aplicar no primeiro e no último.
type Plan struct {
	Start int64 // primeiro byte pedido (inclusivo)
	End   int64 // último byte pedido (inclusivo)
	Size  int64 // tamanho total do arquivo

	ChunkSize int64
	Offset    int64 // início alinhado do primeiro chunk
	FirstCut  int64 // bytes descartados do início do primeiro chunk
	LastCut   int64 // bytes mantidos do último chunk
	PartCount int64 // chunks necessários para cobrir o range
	Ranged    bool  // havia header Range na requisição
}

// Length é o Content-Length exato da resposta.
func (p Plan) Length() int64 {
	return p.End - p.Start + 1
}

// ParseRange interpreta o header Range (ou sua ausência) sobre um arquivo
// de tamanho size e monta o plano de chunks alinhados a chunkSize
// (stream.chunk_size da config; <= 0 cai no default).
//
// Sem header, o plano cobre o arquivo inteiro. "bytes=a-" vai de a ao fim.
// Sintaxe irreconhecível retorna ErrBadRange; limites fora do arquivo
// retornam ErrUnsatisfiable.
func ParseRange(header string, size, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	start := int64(0)
	end := size - 1
	ranged := false

	if header != "" {
		ranged = true
		spec, ok := strings.CutPrefix(header, "bytes=")
		if !ok {
			return Plan{}, fmt.Errorf("%w: %q", ErrBadRange, header)
		}
		fromStr, untilStr, ok := strings.Cut(spec, "-")
		if !ok {
			return Plan{}, fmt.Errorf("%w: %q", ErrBadRange, header)
		}

		from, err := strconv.ParseInt(strings.TrimSpace(fromStr), 10, 64)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: %q", ErrBadRange, header)
		}
		start = from

		if untilStr = strings.TrimSpace(untilStr); untilStr != "" {
			until, err := strconv.ParseInt(untilStr, 10, 64)
			if err != nil {
				return Plan{}, fmt.Errorf("%w: %q", ErrBadRange, header)
			}
			end = until
		}
	}

	if start < 0 || end > size-1 || end < start {
		return Plan{}, fmt.Errorf("%w: bytes=%d-%d of %d", ErrUnsatisfiable, start, end, size)
	}

	return newPlan(start, end, size, chunkSize, ranged), nil
}

func newPlan(start, end, size, chunkSize int64, ranged bool) Plan {
	offset := start - (start % chunkSize)
	return Plan{
		Start:     start,
		End:       end,
		Size:      size,
		ChunkSize: chunkSize,
		Offset:    offset,
		FirstCut:  start - offset,
		LastCut:   (end % chunkSize) + 1,
		PartCount: end/chunkSize - offset/chunkSize + 1,
		Ranged:    ranged,
	}
}

// slicePart aplica os cortes do plano sobre o chunk na posição seq.
func (p Plan) slicePart(seq int64, chunk []byte) []byte {
	first := seq == 0
	last := seq == p.PartCount-1

	lo := int64(0)
	hi := int64(len(chunk))
	if first {
		lo = p.FirstCut
	}
	if last && p.LastCut < hi {
		hi = p.LastCut
	}
	if lo >= hi {
		return nil
	}
	return chunk[lo:hi]
}
