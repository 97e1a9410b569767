package llm

import "storyrt/internal/config"

// NewProvider selects the deterministic in-process provider when
// cfg.Server.Env=="test", and the HTTP provider targeting the
// configured chat-completions endpoint otherwise (§4.G).
func NewProvider(cfg *config.Config) Provider {
	if cfg.Server.Env == "test" {
		return &FakeProvider{}
	}
	return NewHTTPProvider(cfg.LLM)
}
