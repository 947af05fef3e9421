// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package gateway expõe os arquivos do upstream como streams HTTP: decodifica
// ids opacos, autentica tokens, monta o pipeline de chunks e publica a
// telemetria dos streams.
package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// SkipHashCheck é o valor de hash que desliga a verificação de unique_id
// para clientes confiáveis (o minter do catálogo decide usá-lo).
const SkipHashCheck = "nocheck"

// IDCodec cifra e decifra os ids opacos das URLs de stream. O plaintext é
// "chat_id:msg_id:hash"; o ciphertext vai em base64 url-safe com o nonce
// prefixado.
type IDCodec struct {
	aead cipher.AEAD
}

// NewIDCodec deriva a chave AES-256-GCM do secret configurado.
func NewIDCodec(secret string) (*IDCodec, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing id cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing id cipher mode: %w", err)
	}
	return &IDCodec{aead: aead}, nil
}

// Encode gera o id opaco de um arquivo. hash é unique_id[:6] ou
// SkipHashCheck.
func (c *IDCodec) Encode(chatID int64, msgID int, hash string) (string, error) {
	plain := fmt.Sprintf("%d:%d:%s", chatID, msgID, hash)

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating id nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverte Encode. Qualquer id forjado ou corrompido falha na
// autenticação do GCM.
func (c *IDCodec) Decode(id string) (chatID int64, msgID int, hash string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decoding id: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return 0, 0, "", fmt.Errorf("decoding id: truncated payload")
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decoding id: %w", err)
	}

	parts := strings.SplitN(string(plain), ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("decoding id: malformed payload")
	}

	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decoding id: bad chat id")
	}
	msgID, err = strconv.Atoi(parts[1])
	if err != nil || msgID == 0 {
		return 0, 0, "", fmt.Errorf("decoding id: missing msg id")
	}

	return chatID, msgID, parts[2], nil
}
