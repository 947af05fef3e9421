// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// producerGrace é quanto o consumidor espera o produtor terminar após
// cancelá-lo no teardown. Var para os testes encurtarem.
var producerGrace = 2 * time.Second

// ErrClientGone indica que o cliente HTTP desconectou no meio do stream.
var ErrClientGone = errors.New("client disconnected")

// Options parametriza uma execução do pipeline.
//
// InFlight é o número de fetches simultâneos; QueueDepth a capacidade da
// fila entre produtor e consumidor. A fila limitada dá o backpressure:
// memória por stream fica em torno de (QueueDepth + InFlight) × chunk.
type Options struct {
	Plan       Plan
	Fetch      FetchFunc
	InFlight   int
	QueueDepth int
	Logger     *slog.Logger

	// OnChunk é chamado com o tamanho de cada fatia escrita na resposta.
	OnChunk func(n int)

	// Disconnected é consultado antes de cada pop da fila; true encerra
	// o stream com ErrClientGone.
	Disconnected func() bool
}

type part struct {
	seq  int64
	data []byte
}

// Run executa o pipeline: agenda fetches com paralelismo limitado,
// reordena os chunks para a ordem do arquivo e escreve em w exatamente os
// bytes do range. Retorna os bytes escritos e o erro terminal (nil no
// sucesso, ErrClientGone na desconexão, ctx.Err() no cancelamento, erro de
// fetch quando o retry esgota).
//
// O teardown é garantido em todos os caminhos de saída: o produtor é
// cancelado e aguardado por até 2 segundos antes do retorno.
func Run(ctx context.Context, w io.Writer, opts Options) (int64, error) {
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	if opts.InFlight < 1 {
		opts.InFlight = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	prodCtx, cancel := context.WithCancel(ctx)
	out := make(chan part, opts.QueueDepth)
	done := make(chan struct{})

	var prodErr error
	go func() {
		prodErr = produce(prodCtx, opts, out)
		close(done)
	}()

	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(producerGrace):
			opts.Logger.Warn("producer did not stop within grace period")
		}
	}()

	var written int64
	for {
		if opts.Disconnected != nil && opts.Disconnected() {
			return written, ErrClientGone
		}

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case pt, ok := <-out:
			if !ok {
				<-done
				if prodErr != nil && !errors.Is(prodErr, context.Canceled) {
					return written, prodErr
				}
				return written, nil
			}

			body := opts.Plan.slicePart(pt.seq, pt.data)
			if len(body) == 0 {
				continue
			}
			n, err := w.Write(body)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("writing response body: %w", err)
			}
			if opts.OnChunk != nil {
				opts.OnChunk(n)
			}
		}
	}
}

// produce agenda até InFlight fetches simultâneos e entrega os chunks na
// fila estritamente na ordem do arquivo, mesmo completando fora de ordem.
// Fecha a fila ao terminar; o erro retornado é lido pelo consumidor após
// o fechamento.
func produce(ctx context.Context, opts Options, out chan<- part) error {
	defer close(out)

	plan := opts.Plan
	type result struct {
		seq  int64
		data []byte
		err  error
	}
	results := make(chan result)

	schedule := func(seq int64) {
		go func() {
			data, err := opts.Fetch(ctx, plan.Offset+seq*plan.ChunkSize)
			select {
			case results <- result{seq: seq, data: data, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	var nextSchedule, nextPut int64
	buffer := make(map[int64][]byte)

	initial := plan.PartCount
	if int64(opts.InFlight) < initial {
		initial = int64(opts.InFlight)
	}
	for ; nextSchedule < initial; nextSchedule++ {
		schedule(nextSchedule)
	}

	for nextPut < plan.PartCount {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			if res.err != nil {
				return res.err
			}
			buffer[res.seq] = res.data

			if nextSchedule < plan.PartCount {
				schedule(nextSchedule)
				nextSchedule++
			}

			for {
				data, ok := buffer[nextPut]
				if !ok {
					break
				}
				delete(buffer, nextPut)
				select {
				case out <- part{seq: nextPut, data: data}:
				case <-ctx.Done():
					return ctx.Err()
				}
				nextPut++
			}
		}
	}

	return nil
}
