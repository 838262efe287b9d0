package service

import (
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/service/publisher/blog"
	"github.com/ifuryst/postwave/internal/service/publisher/substack"
	"github.com/ifuryst/postwave/internal/service/publisher/wechat_official"
)

// NewPublisherRegistry registers every enabled provider behind the executor's guard settings
func NewPublisherRegistry(cfg *config.Config, logger *zap.Logger) (*publisher.Registry, error) {
	registry := publisher.NewRegistry(publisher.GuardConfig{
		Timeout:          config.Duration(cfg.Executor.ProviderTimeout),
		FailureThreshold: cfg.Executor.Breaker.FailureThreshold,
		FailureWindow:    cfg.Executor.Breaker.FailureWindow,
		BreakerDelay:     config.Duration(cfg.Executor.Breaker.Delay),
		RateLimit:        cfg.Executor.RateLimit,
		RateBurst:        cfg.Executor.RateBurst,
	}, logger)

	providers := cfg.Providers
	if providers.WeChatOfficial.Enabled {
		if err := registry.Register(wechat_official.ProviderName, wechat_official.NewFactory(providers.WeChatOfficial, logger)); err != nil {
			return nil, err
		}
	}
	if providers.Substack.Enabled {
		if err := registry.Register(substack.ProviderName, substack.NewFactory(providers.Substack, logger)); err != nil {
			return nil, err
		}
	}
	if providers.Blog.Enabled {
		if err := registry.Register(blog.ProviderName, blog.NewFactory(providers.Blog, logger)); err != nil {
			return nil, err
		}
	}

	if len(registry.Tags()) == 0 {
		logger.Warn("No publishing provider enabled; every schedule will fail with channel_unavailable")
	}
	return registry, nil
}
