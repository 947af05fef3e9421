// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

// Pick escolhe o client para servir um arquivo hospedado em targetDC:
//
//  1. entre os clients cujo home DC coincide com o alvo, o de menor carga;
//  2. sem candidatos, o de menor carga da pool inteira;
//  3. pool vazia: índice 0 (o lookup subsequente falha e reporta o erro real).
//
// Empates resolvem pelo menor índice, mantendo a seleção estável.
func (p *SessionPool) Pick(targetDC int) int {
	if len(p.clients) == 0 {
		return 0
	}

	best := -1
	bestLoad := 0
	for _, c := range p.clients {
		if c.HomeDC != targetDC {
			continue
		}
		load := p.workloads.Get(c.Index)
		if best == -1 || load < bestLoad {
			best = c.Index
			bestLoad = load
		}
	}
	if best >= 0 {
		return best
	}

	best = p.clients[0].Index
	bestLoad = p.workloads.Get(best)
	for _, c := range p.clients[1:] {
		if load := p.workloads.Get(c.Index); load < bestLoad {
			best = c.Index
			bestLoad = load
		}
	}
	return best
}
