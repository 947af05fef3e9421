// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upstream

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// TelegramClient implementa Client sobre um *telegram.Client (gotd).
// A sessão é carregada de um session file pré-autorizado; o client roda em
// background até o ctx de Connect ser cancelado.
type TelegramClient struct {
	name   string
	client *telegram.Client
	api    *tg.Client
	logger *slog.Logger

	mu       sync.Mutex
	channels map[int64]int64 // channel_id → access_hash

	ready   chan struct{}
	stopped chan error
	stop    context.CancelFunc
}

// TelegramOptions parametriza a criação de um TelegramClient.
type TelegramOptions struct {
	Name        string
	SessionFile string
	APIID       int
	APIHash     string
	Logger      *slog.Logger
}

// NewTelegramClient cria o client; a conexão só é feita em Connect.
func NewTelegramClient(opts TelegramOptions) *TelegramClient {
	client := telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
		NoUpdates:      true,
	})

	return &TelegramClient{
		name:     opts.Name,
		client:   client,
		api:      client.API(),
		logger:   opts.Logger.With("client", opts.Name),
		channels: make(map[int64]int64),
		ready:    make(chan struct{}),
		stopped:  make(chan error, 1),
	}
}

// Connect estabelece a conexão e bloqueia até o client estar utilizável.
// O client permanece conectado até Close (ou cancelamento de ctx).
func (c *TelegramClient) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	go func() {
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("querying auth status: %w", err)
			}
			if !status.Authorized {
				return fmt.Errorf("session file is not authorized")
			}
			close(c.ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.stopped <- err
	}()

	select {
	case <-c.ready:
		c.logger.Info("upstream client connected")
		return nil
	case err := <-c.stopped:
		cancel()
		return fmt.Errorf("connecting upstream client %s: %w", c.name, err)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close derruba a conexão e aguarda o loop do client terminar.
func (c *TelegramClient) Close() error {
	if c.stop != nil {
		c.stop()
		<-c.stopped
	}
	return nil
}

// Name retorna o identificador do client na configuração.
func (c *TelegramClient) Name() string { return c.name }

// HomeDC retorna o DC da sessão armazenada.
func (c *TelegramClient) HomeDC(ctx context.Context) (int, error) {
	cfg := c.client.Config()
	if cfg.ThisDC == 0 {
		return 0, fmt.Errorf("client %s has no DC assigned yet", c.name)
	}
	return cfg.ThisDC, nil
}

// TestMode informa se a sessão aponta para o ambiente de teste do upstream.
func (c *TelegramClient) TestMode(ctx context.Context) (bool, error) {
	return c.client.Config().TestMode, nil
}

// ExportAuthorization exporta a autorização do DC home para uso em dc.
func (c *TelegramClient) ExportAuthorization(ctx context.Context, dc int) (int64, []byte, error) {
	exported, err := c.api.AuthExportAuthorization(ctx, dc)
	if err != nil {
		return 0, nil, fmt.Errorf("exporting authorization to DC %d: %w", dc, err)
	}
	return exported.ID, exported.Bytes, nil
}

// OpenSession abre uma conexão de mídia dedicada com o DC indicado.
func (c *TelegramClient) OpenSession(ctx context.Context, dc int, opts SessionOptions) (Session, error) {
	invoker, err := c.client.DC(ctx, dc, 1)
	if err != nil {
		return nil, fmt.Errorf("dialing DC %d: %w", dc, err)
	}

	return &mediaSession{
		dc:      dc,
		invoker: invoker,
		api:     tg.NewClient(invoker),
		timeout: opts.Timeout,
	}, nil
}

// ResolveFile localiza a mídia da mensagem e monta o descriptor.
func (c *TelegramClient) ResolveFile(ctx context.Context, chatID int64, msgID int) (*FileDescriptor, error) {
	hash, err := c.channelHash(ctx, chatID)
	if err != nil {
		return nil, err
	}

	res, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: chatID, AccessHash: hash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message %d from chat %d: %w", msgID, chatID, err)
	}

	channelMsgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(channelMsgs.Messages) == 0 {
		return nil, ErrFileNotFound
	}

	msg, ok := channelMsgs.Messages[0].(*tg.Message)
	if !ok {
		return nil, ErrFileNotFound
	}

	fd, err := descriptorFromMedia(msg.Media)
	if err != nil {
		return nil, err
	}
	fd.ChatID = chatID
	fd.MsgID = msgID
	return fd, nil
}

// channelHash resolve (e cacheia) o access hash de um canal.
func (c *TelegramClient) channelHash(ctx context.Context, channelID int64) (int64, error) {
	c.mu.Lock()
	hash, ok := c.channels[channelID]
	c.mu.Unlock()
	if ok {
		return hash, nil
	}

	res, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: channelID},
	})
	if err != nil {
		return 0, fmt.Errorf("resolving channel %d: %w", channelID, err)
	}

	for _, chat := range res.GetChats() {
		channel, ok := chat.(*tg.Channel)
		if !ok || channel.ID != channelID {
			continue
		}
		c.mu.Lock()
		c.channels[channelID] = channel.AccessHash
		c.mu.Unlock()
		return channel.AccessHash, nil
	}

	return 0, ErrFileNotFound
}

// descriptorFromMedia extrai tamanho, DC, location e metadados da mídia.
func descriptorFromMedia(media tg.MessageMediaClass) (*FileDescriptor, error) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, ErrFileNotFound
		}
		fd := &FileDescriptor{
			DCID:     doc.DCID,
			Size:     doc.Size,
			UniqueID: uniqueID(uniqueKindDocument, doc.ID),
			MimeType: doc.MimeType,
			Location: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				fd.FileName = fn.FileName
			}
		}
		return fd, nil

	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, ErrFileNotFound
		}
		var (
			thumb string
			size  int64
		)
		for _, s := range photo.Sizes {
			if ps, ok := s.(*tg.PhotoSize); ok && int64(ps.Size) > size {
				thumb = ps.Type
				size = int64(ps.Size)
			}
		}
		if thumb == "" {
			return nil, ErrFileNotFound
		}
		return &FileDescriptor{
			DCID:     photo.DCID,
			Size:     size,
			UniqueID: uniqueID(uniqueKindPhoto, photo.ID),
			MimeType: "image/jpeg",
			Location: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}, nil
	}

	return nil, ErrFileNotFound
}

const (
	uniqueKindDocument = 5
	uniqueKindPhoto    = 2
)

// uniqueID gera o fingerprint estável de uma mídia: kind + media id em
// little-endian, base64 url-safe sem padding.
func uniqueID(kind uint32, id int64) string {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], kind)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(id))
	return base64.RawURLEncoding.EncodeToString(buf)
}

// mediaSession implementa Session sobre um invoker dedicado a um DC.
type mediaSession struct {
	dc      int
	invoker telegram.CloseInvoker
	api     *tg.Client
	timeout time.Duration
}

func (s *mediaSession) DC() int { return s.dc }

func (s *mediaSession) FetchChunk(ctx context.Context, loc Location, offset int64, limit int) ([]byte, error) {
	fileLoc, ok := loc.(tg.InputFileLocationClass)
	if !ok {
		return nil, fmt.Errorf("unexpected location type %T", loc)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
		Precise:  true,
		Location: fileLoc,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("upload.getFile offset=%d: %w", offset, err)
	}

	file, ok := res.(*tg.UploadFile)
	if !ok {
		return nil, fmt.Errorf("unexpected upload.getFile result %T", res)
	}
	return file.Bytes, nil
}

func (s *mediaSession) ImportAuthorization(ctx context.Context, id int64, key []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.api.AuthImportAuthorization(ctx, &tg.AuthImportAuthorizationRequest{
		ID:    id,
		Bytes: key,
	})
	if err != nil {
		if tgerr.Is(err, "AUTH_BYTES_INVALID") {
			return ErrAuthBytesInvalid
		}
		return fmt.Errorf("importing authorization on DC %d: %w", s.dc, err)
	}
	return nil
}

func (s *mediaSession) Close() error {
	return s.invoker.Close()
}
