// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upstream define o contrato mínimo que o gateway consome do backend
// de mensagens: resolução de arquivo por mensagem, fetch de chunk por
// (location, offset, limit) e estabelecimento de sessões por DC com
// transferência de autorização. A implementação real (MTProto via gotd) vive
// em telegram.go; os testes usam fakes deste contrato.
package upstream

import (
	"context"
	"errors"
	"net"
	"time"
)

// Location é o handle opaco de um arquivo no upstream, repassado verbatim ao
// fetch de chunks. O core nunca o inspeciona.
type Location any

// FileDescriptor descreve uma versão imutável de um arquivo remoto.
type FileDescriptor struct {
	DCID     int
	Size     int64
	UniqueID string // fingerprint content-addressable; os 6 primeiros chars validam o hash da URL
	Location Location
	FileName string // vazio quando o upstream não informa
	MimeType string // vazio quando o upstream não informa
	ChatID   int64
	MsgID    int
}

// SessionOptions parametriza a abertura de uma sessão de mídia.
type SessionOptions struct {
	TestMode       bool
	Timeout        time.Duration // I/O por operação (default: 30s)
	SleepThreshold time.Duration // flood-wait tolerado sem propagar erro (default: 60s)
}

// DefaultSessionOptions retorna as opções usadas pela pool.
func DefaultSessionOptions(testMode bool) SessionOptions {
	return SessionOptions{
		TestMode:       testMode,
		Timeout:        30 * time.Second,
		SleepThreshold: 60 * time.Second,
	}
}

// Session é uma conexão de mídia autenticada com um DC específico.
type Session interface {
	DC() int
	// FetchChunk busca um chunk alinhado do arquivo. offset deve ser múltiplo
	// de limit no protocolo real; o chamador garante o alinhamento.
	FetchChunk(ctx context.Context, loc Location, offset int64, limit int) ([]byte, error)
	// ImportAuthorization instala neste DC a autorização exportada pelo DC home.
	ImportAuthorization(ctx context.Context, id int64, key []byte) error
	Close() error
}

// Client é uma identidade autenticada no upstream (um bot da pool).
type Client interface {
	Name() string
	HomeDC(ctx context.Context) (int, error)
	TestMode(ctx context.Context) (bool, error)
	ResolveFile(ctx context.Context, chatID int64, msgID int) (*FileDescriptor, error)
	ExportAuthorization(ctx context.Context, dc int) (id int64, key []byte, err error)
	OpenSession(ctx context.Context, dc int, opts SessionOptions) (Session, error)
}

// ErrFileNotFound indica que a mensagem não existe ou não carrega mídia.
var ErrFileNotFound = errors.New("upstream: file not found")

// ErrAuthBytesInvalid indica que o import de autorização cross-DC falhou com
// bytes inválidos; é transiente e o chamador deve reexportar e tentar de novo.
var ErrAuthBytesInvalid = errors.New("upstream: auth bytes invalid")

// IsTransient informa se err é um erro de rede passageiro que justifica retry
// (o equivalente do OSError no import de autorização).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthBytesInvalid) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
