// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"
)

// writeArchive grava as linhas rotacionadas em um .jsonl.gz no diretório
// de archives e retorna o caminho criado.
func writeArchive(dir string, lines [][]byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}

	name := fmt.Sprintf("streams-%s.jsonl.gz", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	for _, line := range lines {
		if _, err := gz.Write(append(line, '\n')); err != nil {
			gz.Close()
			os.Remove(path)
			return "", fmt.Errorf("writing archive: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing archive: %w", err)
	}

	return path, nil
}
