// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Players de mídia abortam conexões o tempo todo (seek, troca de qualidade,
// fechamento da aba). Esses abortos viram erros de escrita no corpo HTTP que
// não têm valor operacional e poluem o log em nível ERROR.
var droppedErrorFragments = []string{
	"broken pipe",
	"connection reset by peer",
	"context canceled",
	"client disconnected",
	"write: protocol wrong type",
	"too little data",
}

// DropHandler é um slog.Handler que descarta registros cujo atributo de erro
// corresponde a um aborto de conexão conhecido. Todos os demais registros são
// repassados ao handler interno intactos.
type DropHandler struct {
	inner slog.Handler
}

// NewDropHandler envolve handler com o filtro de ruído de protocolo.
func NewDropHandler(handler slog.Handler) *DropHandler {
	return &DropHandler{inner: handler}
}

func (h *DropHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *DropHandler) Handle(ctx context.Context, r slog.Record) error {
	drop := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "error" && a.Key != "err" {
			return true
		}
		if isDroppedError(a.Value.String()) {
			drop = true
			return false
		}
		return true
	})
	if drop {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *DropHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Atributos pré-ligados também podem carregar o erro (logger.With("error", err)).
	for _, a := range attrs {
		if (a.Key == "error" || a.Key == "err") && isDroppedError(a.Value.String()) {
			return discardHandler{}
		}
	}
	return &DropHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *DropHandler) WithGroup(name string) slog.Handler {
	return &DropHandler{inner: h.inner.WithGroup(name)}
}

func isDroppedError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, frag := range droppedErrorFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// discardHandler descarta tudo; retornado quando o erro pré-ligado já é ruído.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
