// Package tools registers the built-in tools and the declarative catalog.
package tools

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/policy"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest"
	"github.com/mohammad-safakhou/researcher/tools/web_search"
)

// Register adds every tool cfg enables to reg. web_search is skipped
// without an API key. rdb may be nil unless the ingest store is redis.
func Register(reg *capability.Registry, cfg config.ToolsConfig, rdb *redis.Client, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	fetcher, err := web_fetch.NewWebFetcher(web_fetch.FetcherType(cfg.WebFetch.Fetcher), cfg.WebFetch.Timeout, cfg.WebFetch.MaxChars)
	if err != nil {
		return err
	}
	guard, err := policy.LoadNetworkPolicy(cfg.WebFetch.PolicyFile)
	if err != nil {
		return err
	}
	if err := reg.Register(web_fetch.NewTool(fetcher, web_fetch.WithGuard(guard))); err != nil {
		return err
	}

	if cfg.WebSearch.APIKey != "" {
		searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.WebSearch.Provider), cfg.WebSearch.APIKey)
		if err != nil {
			return err
		}
		if err := reg.Register(web_search.NewTool(searcher, cfg.WebSearch.MaxResults, logger)); err != nil {
			return err
		}
	} else {
		logger.Info("web_search disabled: tools.web_search.api_key is empty")
	}

	store, err := web_ingest.NewStore(web_ingest.StoreType(cfg.Ingest.Store), rdb)
	if err != nil {
		return err
	}
	ingest := web_ingest.NewIngest(store, cfg.Ingest.TTL, logger)
	if err := reg.Register(web_ingest.NewIngestTool(ingest)); err != nil {
		return err
	}
	if err := reg.Register(web_ingest.NewSearchTool(ingest)); err != nil {
		return err
	}

	if cfg.CatalogFile == "" {
		return nil
	}
	catalog, err := capability.LoadCatalog(cfg.CatalogFile, cfg.SigningSecret, capability.NewHTTPClient(15*time.Second, 2, 0))
	if err != nil {
		return err
	}
	for _, t := range catalog {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register catalog tool: %w", err)
		}
	}
	logger.Info("tool catalog loaded", zap.String("file", cfg.CatalogFile), zap.Int("tools", len(catalog)))
	return nil
}
