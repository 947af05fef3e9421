// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"sync"

	"github.com/nishisan-dev/n-stream/internal/upstream"
)

type cacheKey struct {
	chatID int64
	msgID  int
}

// FileCache guarda descriptors resolvidos, particionados por client. Um job
// periódico limpa o cache inteiro; file references velhas que invalidarem
// no upstream são corrigidas pela resolução fresca seguinte.
type FileCache struct {
	mu      sync.Mutex
	entries map[int]map[cacheKey]*upstream.FileDescriptor
}

// NewFileCache cria um cache vazio.
func NewFileCache() *FileCache {
	return &FileCache{entries: make(map[int]map[cacheKey]*upstream.FileDescriptor)}
}

// Get resolve (chat, msg) no client indicado, com read-through no cache.
func (c *FileCache) Get(ctx context.Context, client upstream.Client, clientIndex int, chatID int64, msgID int) (*upstream.FileDescriptor, error) {
	key := cacheKey{chatID: chatID, msgID: msgID}

	c.mu.Lock()
	if fd, ok := c.entries[clientIndex][key]; ok {
		c.mu.Unlock()
		return fd, nil
	}
	c.mu.Unlock()

	fd, err := client.ResolveFile(ctx, chatID, msgID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.entries[clientIndex] == nil {
		c.entries[clientIndex] = make(map[cacheKey]*upstream.FileDescriptor)
	}
	c.entries[clientIndex][key] = fd
	c.mu.Unlock()
	return fd, nil
}

// Clear descarta todas as entradas. Disparado pelo job de 30 minutos.
func (c *FileCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[int]map[cacheKey]*upstream.FileDescriptor)
	c.mu.Unlock()
}

// Len retorna o total de descriptors cacheados, para o stats.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.entries {
		total += len(m)
	}
	return total
}
