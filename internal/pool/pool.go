// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pool mantém as identidades upstream do gateway e suas sessões de
// mídia por DC: criação serializada por client, transferência de autorização
// cross-DC com retry bounded, pre-warm dos DCs comuns e seleção de client por
// afinidade de DC + carga.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/upstream"
)

// commonDCs são os DCs pré-aquecidos na subida do gateway.
var commonDCs = []int{1, 2, 4, 5}

// Delays do retry de import de autorização cross-DC.
// Vars (não consts) para os testes encurtarem.
var (
	authRetryAttempts       = 6
	authRetryDelayInvalid   = 500 * time.Millisecond
	authRetryDelayTransient = 1 * time.Second
)

// Client é uma identidade upstream com suas sessões de mídia abertas.
// A criação de sessão é serializada pelo mutex do client: K chamadas
// concorrentes para o mesmo DC observam exatamente uma criação.
type Client struct {
	Index  int
	HomeDC int // DC configurado (client_dc_map); usado pela afinidade do selector

	up upstream.Client

	mu       sync.Mutex
	sessions map[int]upstream.Session
}

// Upstream expõe o client upstream subjacente (lookup de arquivos).
func (c *Client) Upstream() upstream.Client { return c.up }

// SessionPool mantém um Client por entrada de configuração.
type SessionPool struct {
	clients   []*Client
	workloads *WorkloadTable
	logger    *slog.Logger
}

// NewSessionPool cria a pool. homeDCs[i] é o DC configurado do client i.
func NewSessionPool(ups []upstream.Client, homeDCs []int, logger *slog.Logger) *SessionPool {
	clients := make([]*Client, len(ups))
	for i, up := range ups {
		dc := 0
		if i < len(homeDCs) {
			dc = homeDCs[i]
		}
		clients[i] = &Client{
			Index:    i,
			HomeDC:   dc,
			up:       up,
			sessions: make(map[int]upstream.Session),
		}
	}
	return &SessionPool{
		clients:   clients,
		workloads: NewWorkloadTable(len(ups)),
		logger:    logger,
	}
}

// Workloads retorna a tabela de carga compartilhada da pool.
func (p *SessionPool) Workloads() *WorkloadTable { return p.workloads }

// Size retorna o número de clients.
func (p *SessionPool) Size() int { return len(p.clients) }

// Client retorna o client pelo índice.
func (p *SessionPool) Client(index int) *Client {
	return p.clients[index]
}

// DCMap retorna index → home DC configurado, para o endpoint de stats.
func (p *SessionPool) DCMap() map[int]int {
	out := make(map[int]int, len(p.clients))
	for _, c := range p.clients {
		out[c.Index] = c.HomeDC
	}
	return out
}

// SessionFor retorna a sessão de mídia do client para o DC, criando-a sob o
// mutex do client quando necessário. Sessões cacheadas nunca são evictadas
// durante operação normal; falha de criação propaga sem cachear nada.
func (p *SessionPool) SessionFor(ctx context.Context, clientIndex, dc int) (upstream.Session, error) {
	client := p.clients[clientIndex]

	client.mu.Lock()
	defer client.mu.Unlock()

	if sess, ok := client.sessions[dc]; ok {
		return sess, nil
	}

	sess, err := p.createSession(ctx, client, dc)
	if err != nil {
		return nil, err
	}

	client.sessions[dc] = sess
	p.logger.Debug("media session created", "client", clientIndex, "dc", dc)
	return sess, nil
}

func (p *SessionPool) createSession(ctx context.Context, client *Client, dc int) (upstream.Session, error) {
	testMode, err := client.up.TestMode(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying test mode: %w", err)
	}
	homeDC, err := client.up.HomeDC(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying home DC: %w", err)
	}

	sess, err := client.up.OpenSession(ctx, dc, upstream.DefaultSessionOptions(testMode))
	if err != nil {
		return nil, fmt.Errorf("opening session on DC %d: %w", dc, err)
	}

	if dc != homeDC {
		if err := p.importAuthorization(ctx, client, sess, dc); err != nil {
			sess.Close()
			return nil, err
		}
	}

	return sess, nil
}

// importAuthorization transfere a autorização do DC home para a sessão nova.
// AUTH_BYTES_INVALID exige reexportar; erros de rede passageiros apenas
// esperam um pouco mais. Tudo além de authRetryAttempts propaga.
func (p *SessionPool) importAuthorization(ctx context.Context, client *Client, sess upstream.Session, dc int) error {
	var lastErr error

	for attempt := 0; attempt < authRetryAttempts; attempt++ {
		id, key, err := client.up.ExportAuthorization(ctx, dc)
		if err != nil {
			lastErr = err
		} else if err = sess.ImportAuthorization(ctx, id, key); err == nil {
			return nil
		} else {
			lastErr = err
		}

		switch {
		case lastErr == upstream.ErrAuthBytesInvalid:
			p.logger.Debug("auth bytes invalid during import; retrying", "client", client.Index, "dc", dc)
			if !sleepCtx(ctx, authRetryDelayInvalid) {
				return ctx.Err()
			}
		case upstream.IsTransient(lastErr):
			p.logger.Debug("transient error during import; retrying", "client", client.Index, "dc", dc, "error", lastErr)
			if !sleepCtx(ctx, authRetryDelayTransient) {
				return ctx.Err()
			}
		default:
			return fmt.Errorf("importing authorization on DC %d: %w", dc, lastErr)
		}
	}

	return fmt.Errorf("importing authorization on DC %d after %d attempts: %w", dc, authRetryAttempts, lastErr)
}

// Prewarm abre em background as sessões dos DCs comuns de cada client,
// ignorando falhas. Erros aqui só custam latência no primeiro stream.
func (p *SessionPool) Prewarm(ctx context.Context) {
	for _, client := range p.clients {
		go func(c *Client) {
			homeDC, err := c.up.HomeDC(ctx)
			if err != nil {
				p.logger.Debug("prewarm skipped: home DC unknown", "client", c.Index, "error", err)
				return
			}
			for _, dc := range commonDCs {
				if dc == homeDC {
					continue
				}
				if _, err := p.SessionFor(ctx, c.Index, dc); err != nil {
					p.logger.Debug("could not pre-warm DC", "client", c.Index, "dc", dc, "error", err)
				}
			}
		}(client)
	}
}

// Close fecha todas as sessões abertas de todos os clients.
func (p *SessionPool) Close() {
	for _, client := range p.clients {
		client.mu.Lock()
		for dc, sess := range client.sessions {
			if err := sess.Close(); err != nil {
				p.logger.Debug("closing media session", "client", client.Index, "dc", dc, "error", err)
			}
		}
		client.sessions = make(map[int]upstream.Session)
		client.mu.Unlock()
	}
}

// sleepCtx dorme d ou até o ctx cancelar; retorna false no cancelamento.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
