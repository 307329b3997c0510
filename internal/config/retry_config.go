// Package config defines retry configuration mapping.
package config

import (
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// GetAcquireRetryConfig returns the node-reservation retry policy.
func (c Config) GetAcquireRetryConfig() domain.AcquireRetryConfig {
	cfg := domain.AcquireRetryConfig{
		MaxAttempts: c.NodeAcquireMaxAttempts,
		MinJitter:   c.NodeAcquireMinJitter,
		MaxJitter:   c.NodeAcquireMaxJitter,
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxJitter < cfg.MinJitter {
		cfg.MaxJitter = cfg.MinJitter
	}
	return cfg
}
