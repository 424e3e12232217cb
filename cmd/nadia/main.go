// Command nadia is the pipeline process entrypoint: it wires the key-value
// store, relational store, two LLM providers, the adaptive batching
// tracker, the supervisor/orchestrator, the safety evaluator, the review
// queue, the paced sender, and the recovery agent, then runs until a
// shutdown signal.
//
// The chat-platform transport and the dashboard HTTP server are external
// collaborators (spec.md §1) with no implementation in this module; this
// binary wires a logging stand-in for the former (internal/platform.
// LoggingClient) so the outbound half of the pipeline is exercisable
// without one, and exposes internal/review's DTOs for an external
// dashboard process to use against the latter.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"nadia/internal/config"
	"nadia/internal/db"
	"nadia/internal/entity"
	"nadia/internal/llm"
	"nadia/internal/llm/anthropic"
	"nadia/internal/llm/openai"
	"nadia/internal/observability"
	"nadia/internal/orchestrator"
	"nadia/internal/platform"
	"nadia/internal/prefix"
	"nadia/internal/recovery"
	"nadia/internal/review"
	"nadia/internal/router"
	"nadia/internal/safety"
	"nadia/internal/sender"
	"nadia/internal/store"
	"nadia/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("nadia")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel_init_failed_continuing_without_observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := store.New(ctx, store.Config{URL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kv.Close()

	database, err := db.Open(ctx, db.Config{DSN: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer database.Close()

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	dedupe, err := orchestrator.NewRedisDedupeStore(redisOpts.Addr)
	if err != nil {
		return fmt.Errorf("init dedupe store: %w", err)
	}
	defer func() {
		if cerr := dedupe.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("dedupe_close_error")
		}
	}()

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: 60 * time.Second})

	stage1Client, err := newLLMClient(cfg.LLM.Stage1, httpClient)
	if err != nil {
		return fmt.Errorf("init llm stage1: %w", err)
	}
	stage2Client, err := newLLMClient(cfg.LLM.Stage2, httpClient)
	if err != nil {
		return fmt.Errorf("init llm stage2: %w", err)
	}

	tokenCache := llm.NewTokenCache(llm.TokenCacheConfig{})
	tok := tokenizerFor(stage1Client, tokenCache)

	prefixMgr, err := prefix.Load(ctx, cfg.PersonaPath, cfg.MinPrefixTokens, tok)
	if err != nil {
		return fmt.Errorf("load persona prefix: %w", err)
	}

	rtr, err := router.New(router.DefaultPatterns())
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}
	_ = rtr // consumed by the platform adapter's ingest loop (spec.md §4.1), which is out of this module's scope

	platformClient := platform.NewLoggingClient(log.With().Str("component", "platform").Logger())

	entityResolver := entity.New(platformClient, kv, entity.DefaultCapacity, entity.DefaultMaxRetries, entity.DefaultBackoffBase)

	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	var warmGroup errgroup.Group
	warmGroup.Go(func() error { return prefixMgr.WarmUp(warmCtx) })
	if err := warmGroup.Wait(); err != nil {
		log.Warn().Err(err).Msg("persona_prefix_warmup_failed")
	}
	warmCancel()

	safetyEval := safety.New(safety.DefaultRules(), 0.7)
	reviewMgr := review.New(kv, database, cfg.Review.RiskWeight, cfg.Review.OutboundHighWaterMark)

	sup := orchestrator.New(orchestrator.Config{
		WAL:             kv,
		Counter:         kv,
		History:         kv,
		DB:              database,
		Review:          reviewMgr,
		Prefix:          prefixMgr,
		LLM1:            stage1Client,
		LLM2:            stage2Client,
		Safety:          safetyEval,
		Dedupe:          dedupe,
		BubbleSeparator: cfg.BubbleSeparator,
	})

	trk := tracker.New(cfg.Batching, kv, kv, sup)
	_ = trk // fed by the platform adapter's ingest loop via trk.Ingest, likewise out of scope

	sendLoop := sender.New(kv, database, entityResolver, platformClient)
	recoveryAgent := recovery.New(kv, database, kv, sup, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { entityResolver.RunCleanupLoop(gctx, time.Hour); return nil })
	g.Go(func() error { return sendLoop.Run(gctx) })
	g.Go(func() error { return recoveryAgent.Run(gctx, nil) })

	log.Info().Msg("nadia_pipeline_started")

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("nadia_pipeline_stopped")
	return nil
}

// newLLMClient builds the concrete provider client named by cfg.Provider.
func newLLMClient(cfg config.ProviderConfig, httpClient *http.Client) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return anthropic.New(cfg, httpClient), nil
	case "openai":
		return openai.New(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// tokenizerProvider is satisfied by both llm/anthropic.Client and
// llm/openai.Client; it isn't part of the llm.Client capability interface
// itself since most callers never need exact token counts.
type tokenizerProvider interface {
	Tokenizer(cache *llm.TokenCache) llm.Tokenizer
}

// tokenizerFor extracts an exact tokenizer from client when available,
// falling back to nil so prefix.Load uses the llm.EstimateTokens chars/4
// estimate instead.
func tokenizerFor(client llm.Client, cache *llm.TokenCache) llm.Tokenizer {
	if tp, ok := client.(tokenizerProvider); ok {
		return tp.Tokenizer(cache)
	}
	return nil
}
