// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatewayConfig representa a configuração completa do nstream-gateway.
type GatewayConfig struct {
	Server   ServerInfo    `yaml:"server"`
	Stream   StreamInfo    `yaml:"stream"`
	Secret   string        `yaml:"secret"`
	Telegram TelegramInfo  `yaml:"telegram"`
	Clients  []ClientEntry `yaml:"clients"`
	Tokens   TokensInfo    `yaml:"tokens"`
	History  HistoryInfo   `yaml:"history"`
	Logging  LoggingInfo   `yaml:"logging"`
}

// TelegramInfo contém as credenciais de aplicação do upstream (my.telegram.org).
type TelegramInfo struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

// ServerInfo contém o listener HTTP e a URL pública usada para montar links.
type ServerInfo struct {
	Listen      string `yaml:"listen"`       // default: ":8080"
	BaseURL     string `yaml:"base_url"`     // ex: "https://dl.example.org" (sem barra final)
	HideCatalog bool   `yaml:"hide_catalog"` // suprime o endpoint de playback
}

// StreamInfo contém os parâmetros do pipeline de prefetch.
//
// Atenção à nomenclatura, mantida por compatibilidade com deployments antigos:
// `parallel` alimenta a capacidade da fila entre producer e consumer (prefetch
// depth) e `pre_fetch` alimenta o número de fetches de chunk em voo.
type StreamInfo struct {
	Parallel     int    `yaml:"parallel"`   // capacidade da fila (default: 3)
	PreFetch     int    `yaml:"pre_fetch"`  // fetches concorrentes (default: 2)
	ChunkSize    string `yaml:"chunk_size"` // ex: "1mb" (default: 1mb)
	ChunkSizeRaw int64  `yaml:"-"`
}

// ClientEntry representa uma identidade autenticada no upstream.
// O índice do client na lista é o seu identificador na pool.
type ClientEntry struct {
	Name        string `yaml:"name"`
	SessionFile string `yaml:"session_file"`
	DC          int    `yaml:"dc"` // home DC esperado (client_dc_map)
}

// TokensInfo configura o store de tokens e os vídeos de limite atingido.
type TokensInfo struct {
	File              string `yaml:"file"`
	MaxLines          int    `yaml:"max_lines"` // default: 10000
	DailyLimitVideo   string `yaml:"daily_limit_video"`
	MonthlyLimitVideo string `yaml:"monthly_limit_video"`
}

// HistoryInfo configura a persistência JSONL de streams finalizados.
type HistoryInfo struct {
	File       string        `yaml:"file"`
	MaxLines   int           `yaml:"max_lines"`   // default: 5000
	ArchiveDir string        `yaml:"archive_dir"` // vazio = sem arquivamento
	S3         S3ArchiveInfo `yaml:"s3"`
}

// S3ArchiveInfo configura o upload opcional dos arquivos rotacionados para S3.
type S3ArchiveInfo struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"` // default: "nstream/history/"
	Region string `yaml:"region"`
}

// Enabled indica se o upload para S3 está configurado.
func (s S3ArchiveInfo) Enabled() bool {
	return s.Bucket != ""
}

// LoadGatewayConfig lê e valida o arquivo YAML de configuração do gateway.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating gateway config: %w", err)
	}

	return &cfg, nil
}

func (c *GatewayConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if len(c.Clients) == 0 {
		return fmt.Errorf("clients must have at least one entry")
	}
	for i, cl := range c.Clients {
		if cl.SessionFile == "" {
			return fmt.Errorf("clients[%d].session_file is required", i)
		}
		if cl.DC < 0 {
			return fmt.Errorf("clients[%d].dc must be >= 0, got %d", i, cl.DC)
		}
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Telegram.APIID <= 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_hash is required")
	}

	if c.Stream.Parallel <= 0 {
		c.Stream.Parallel = 3
	}
	if c.Stream.PreFetch <= 0 {
		c.Stream.PreFetch = 2
	}
	if c.Stream.ChunkSize == "" {
		c.Stream.ChunkSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Stream.ChunkSize)
	if err != nil {
		return fmt.Errorf("stream.chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("stream.chunk_size must be > 0, got %s", c.Stream.ChunkSize)
	}
	c.Stream.ChunkSizeRaw = parsed

	if c.Tokens.File == "" {
		return fmt.Errorf("tokens.file is required")
	}
	if c.Tokens.MaxLines <= 0 {
		c.Tokens.MaxLines = 10000
	}

	if c.History.File == "" {
		c.History.File = "nstream-history.jsonl"
	}
	if c.History.MaxLines <= 0 {
		c.History.MaxLines = 5000
	}
	if c.History.S3.Enabled() {
		if c.History.ArchiveDir == "" {
			return fmt.Errorf("history.archive_dir is required when history.s3 is enabled")
		}
		if c.History.S3.Prefix == "" {
			c.History.S3.Prefix = "nstream/history/"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
