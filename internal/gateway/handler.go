// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/nishisan-dev/n-stream/internal/registry"
	"github.com/nishisan-dev/n-stream/internal/stream"
	"github.com/nishisan-dev/n-stream/internal/token"
	"github.com/nishisan-dev/n-stream/internal/upstream"
)

// handleDownload serve GET|HEAD /dl/{token}/{id}/{name}. O nome do arquivo
// na URL existe só para os players; o server o ignora.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	tokenValue := r.PathValue("token")
	tokenRec, exceeded, err := g.tokens.Verify(tokenValue)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	// Quota estourada não bloqueia o /dl; a admissão é barrada no catálogo
	if exceeded != "" {
		g.logger.Warn("token over quota; streaming anyway",
			"token", tokenRec.Name, "limit", exceeded)
	}

	chatID, msgID, hash, err := g.codec.Decode(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}

	lookupIndex := g.pool.Pick(0)
	fd, err := g.cache.Get(r.Context(), g.pool.Client(lookupIndex).Upstream(), lookupIndex, chatID, msgID)
	if err != nil {
		if errors.Is(err, upstream.ErrFileNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		g.logger.Error("file lookup failed", "chat", chatID, "msg", msgID, "error", err)
		http.Error(w, "Upstream lookup failed", http.StatusBadGateway)
		return
	}

	if hash != SkipHashCheck && (len(fd.UniqueID) < 6 || fd.UniqueID[:6] != hash) {
		http.Error(w, "Invalid hash", http.StatusBadRequest)
		return
	}

	name := downloadName(fd)

	if fd.Size == 0 {
		writeMediaHeaders(w, fd, name)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	plan, err := stream.ParseRange(r.Header.Get("Range"), fd.Size, g.cfg.Stream.ChunkSizeRaw)
	if err != nil {
		if errors.Is(err, stream.ErrUnsatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fd.Size))
			http.Error(w, "Range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		http.Error(w, "Invalid range", http.StatusBadRequest)
		return
	}

	httpStatus := http.StatusOK
	if plan.Ranged {
		httpStatus = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		writeMediaHeaders(w, fd, name)
		w.Header().Set("Content-Length", strconv.FormatInt(plan.Length(), 10))
		if plan.Ranged {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", plan.Start, plan.End, fd.Size))
		}
		w.WriteHeader(httpStatus)
		return
	}

	clientIndex := g.pool.Pick(fd.DCID)
	sess, err := g.pool.SessionFor(r.Context(), clientIndex, fd.DCID)
	if err != nil {
		g.logger.Error("media session unavailable",
			"client", clientIndex, "dc", fd.DCID, "error", err)
		http.Error(w, "Upstream session unavailable", http.StatusBadGateway)
		return
	}

	streamID := registry.NewStreamID()
	writeMediaHeaders(w, fd, name)
	w.Header().Set("Content-Length", strconv.FormatInt(plan.Length(), 10))
	w.Header().Set("X-Stream-Id", streamID)
	if plan.Ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", plan.Start, plan.End, fd.Size))
	}
	w.WriteHeader(httpStatus)

	g.streamBody(w, r, sess, fd, plan, tokenRec, streamID, clientIndex, chatID, msgID)
}

// streamBody roda o pipeline e garante o teardown em todos os caminhos:
// status terminal estampado, workload decrementado exatamente uma vez,
// catch-up final do flusher de quota e push no histórico.
func (g *Gateway) streamBody(w http.ResponseWriter, r *http.Request, sess upstream.Session,
	fd *upstream.FileDescriptor, plan stream.Plan, tokenRec token.Record,
	streamID string, clientIndex int, chatID int64, msgID int) {

	srec := &registry.StreamRecord{
		StreamID:    streamID,
		MsgID:       msgID,
		ChatID:      chatID,
		DCID:        fd.DCID,
		ClientIndex: clientIndex,
		PartCount:   plan.PartCount,
		PreFetch:    g.cfg.Stream.Parallel,
		Parallelism: g.cfg.Stream.PreFetch,
		Meta: registry.Meta{
			RequestPath: r.URL.Path,
			ClientHost:  clientHost(r),
		},
	}

	g.pool.Workloads().Incr(clientIndex)
	g.reg.Open(srec)

	flushCtx, stopFlush := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		token.FlushUsage(flushCtx, g.reg, g.tokens, tokenRec.Value, streamID, g.logger)
		close(flushDone)
	}()

	final := registry.StatusError
	defer func() {
		g.reg.Finish(streamID, final)
		g.pool.Workloads().Decr(clientIndex)

		stopFlush()
		<-flushDone

		if finalRec, ok := g.reg.Lookup(streamID); ok {
			g.hist.Push(finalRec)
		}
	}()

	writer := token.NewThrottledWriter(r.Context(), w, tokenRec.RateLimitMbps)
	fetch := stream.ChunkFetcher(sess, fd.Location, plan.ChunkSize, g.logger)

	written, err := stream.Run(r.Context(), writer, stream.Options{
		Plan:       plan,
		Fetch:      fetch,
		InFlight:   g.cfg.Stream.PreFetch,
		QueueDepth: g.cfg.Stream.Parallel,
		Logger:     g.logger,
		OnChunk: func(n int) {
			g.reg.Track(streamID, n)
		},
		Disconnected: func() bool {
			select {
			case <-r.Context().Done():
				return true
			default:
				return false
			}
		},
	})

	switch {
	case err == nil:
		final = registry.StatusFinished
		g.logger.Info("stream finished",
			"stream", streamID, "token", tokenRec.Name, "bytes", written)
	case errors.Is(err, stream.ErrClientGone), errors.Is(err, context.Canceled):
		final = registry.StatusCancelled
		g.logger.Info("stream cancelled by client",
			"stream", streamID, "token", tokenRec.Name, "bytes", written)
	default:
		final = registry.StatusError
		g.logger.Error("stream aborted",
			"stream", streamID, "token", tokenRec.Name, "bytes", written, "error", err)
	}
}

func writeMediaHeaders(w http.ResponseWriter, fd *upstream.FileDescriptor, name string) {
	mime := fd.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Content-Type", mime)
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "public, max-age=3600, immutable")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Range")
	h.Set("Access-Control-Expose-Headers", "*")
}

// downloadName resolve o filename do Content-Disposition: fallback
// aleatório .bin quando desconhecido, subtipo do mime como extensão quando
// o nome não tem uma.
func downloadName(fd *upstream.FileDescriptor) string {
	name := fd.FileName
	if name == "" {
		buf := make([]byte, 4)
		rand.Read(buf)
		return hex.EncodeToString(buf) + ".bin"
	}
	if !strings.Contains(name, ".") {
		if _, subtype, ok := strings.Cut(fd.MimeType, "/"); ok && subtype != "" {
			name += "." + subtype
		}
	}
	return name
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
