// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

import "sync"

// WorkloadTable conta streams ativos por client. Incremento acontece antes do
// primeiro fetch do pipeline e o decremento exatamente uma vez no teardown,
// em qualquer caminho de saída (sucesso, erro ou cancelamento).
type WorkloadTable struct {
	mu     sync.Mutex
	counts map[int]int
}

// NewWorkloadTable cria a tabela com todos os índices zerados.
func NewWorkloadTable(size int) *WorkloadTable {
	counts := make(map[int]int, size)
	for i := 0; i < size; i++ {
		counts[i] = 0
	}
	return &WorkloadTable{counts: counts}
}

// Incr registra o início de um stream no client indicado.
func (w *WorkloadTable) Incr(index int) {
	w.mu.Lock()
	w.counts[index]++
	w.mu.Unlock()
}

// Decr registra o fim de um stream. Nunca deixa o contador negativo.
func (w *WorkloadTable) Decr(index int) {
	w.mu.Lock()
	if w.counts[index] > 0 {
		w.counts[index]--
	}
	w.mu.Unlock()
}

// Get retorna a carga atual de um client.
func (w *WorkloadTable) Get(index int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[index]
}

// Snapshot retorna uma cópia da tabela para o endpoint de stats.
func (w *WorkloadTable) Snapshot() map[int]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]int, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}
