package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "hashing"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds a provider from config. An unset provider falls back to
// the deterministic hashing embedder so similarity checks keep working
// without an external service.
func New(cfg Config) Provider {
	if cfg.Provider == "api" && cfg.Endpoint != "" {
		return NewAPIProvider(cfg)
	}
	return NewHashingProvider(cfg.Dimension)
}
