// Command server runs the contract-review orchestrator's Task API Facade:
// HTTP start/upload/run/approve/resume/status endpoints plus the SSE event
// stream, backed by the Review Graph, Session Store, Quota Gate, and Model
// Adapter assembled here from environment configuration.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/legalflow/clausereview/approval"
	"github.com/legalflow/clausereview/config"
	"github.com/legalflow/clausereview/domainplugin"
	"github.com/legalflow/clausereview/domainseed"
	"github.com/legalflow/clausereview/events"
	"github.com/legalflow/clausereview/graph"
	"github.com/legalflow/clausereview/graph/inmem"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/quota"
	"github.com/legalflow/clausereview/quota/mongoledger"
	"github.com/legalflow/clausereview/quota/redisfastpath"
	"github.com/legalflow/clausereview/reactloop"
	"github.com/legalflow/clausereview/session"
	"github.com/legalflow/clausereview/session/memory"
	sessionmongo "github.com/legalflow/clausereview/session/mongo"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/taskapi"
	"github.com/legalflow/clausereview/telemetry"
	pulseclient "github.com/legalflow/clausereview/transport/pulse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clausereview: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	modelClient, err := buildModelClient(cfg, logger, metrics)
	if err != nil {
		return err
	}

	skillRegistry := skills.NewRegistry()
	pluginRegistry := domainplugin.NewRegistry()
	if err := domainseed.RegisterDefaults(skillRegistry, pluginRegistry); err != nil {
		return fmt.Errorf("seed domain defaults: %w", err)
	}

	var remoteBackend skills.RemoteBackend
	var pulseClient pulseclient.Client
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pulseClient, err = pulseclient.New(pulseclient.Options{Redis: redisClient})
		if err != nil {
			return fmt.Errorf("build pulse client: %w", err)
		}
		remoteBackend = skills.NewPulseRemoteBackend(pulseClient)
	}
	dispatcher := skills.NewDispatcher(skillRegistry, remoteBackend, logger, metrics)

	loop := reactloop.New(modelClient, dispatcher,
		reactloop.WithMaxIterations(cfg.MaxReactIterations),
		reactloop.WithTelemetry(logger, metrics),
	)

	engine, err := buildEngine(cfg, logger, metrics)
	if err != nil {
		return err
	}

	sessionStore, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return err
	}

	bus := events.NewWithBufferSize(cfg.EventBufferSize)
	var eventPublisher graph.EventPublisher = bus
	if pulseClient != nil {
		eventPublisher = events.NewPulseFanout(pulseClient, bus)
	}

	quotaGate, err := buildQuotaGate(ctx, cfg)
	if err != nil {
		return err
	}

	approvalController := approval.NewController(engine)
	blobStore := taskapi.NewMemBlobStore()

	manager, err := taskapi.NewManager(taskapi.ManagerDeps{
		Engine:     engine,
		Plugins:    pluginRegistry,
		Sessions:   sessionStore,
		Events:     eventPublisher,
		Blobs:      blobStore,
		Quota:      quotaGate,
		Approval:   approvalController,
		Dispatcher: dispatcher,
		Loop:       loop,
		Model:      modelClient,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build task manager: %w", err)
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	router := taskapi.NewRouter(manager, authenticator, bus, pluginRegistry, skillRegistry)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "task api facade listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildModelClient wires the configured providers behind a Failover, in
// turn wrapped with an adaptive rate limiter so a burst of review starts
// can't exceed a provider's token budget.
func buildModelClient(cfg config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (model.Client, error) {
	byName := make(map[string]model.Client)
	if cfg.AnthropicAPIKey != "" {
		c, err := model.NewAnthropicClient(cfg.AnthropicAPIKey, "claude-sonnet-4-5")
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		byName["anthropic"] = c
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := model.NewOpenAIClient(cfg.OpenAIAPIKey, "gpt-4.1")
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		byName["openai"] = c
	}
	if cfg.BedrockRegion != "" {
		c, err := model.NewBedrockClient(context.Background(), cfg.BedrockRegion, "anthropic.claude-3-5-sonnet-20241022-v2:0")
		if err != nil {
			return nil, fmt.Errorf("build bedrock client: %w", err)
		}
		byName["bedrock"] = c
	}

	var providers []model.Client
	for _, name := range cfg.ProviderOrder {
		if c, ok := byName[name]; ok {
			providers = append(providers, c)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no model providers configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or AWS_REGION with bedrock access")
	}

	failover := model.NewFailover(providers, logger, metrics)
	limiter := model.NewAdaptiveRateLimiter(context.Background(), nil, "", 0, 0)
	return limiter.Wrap(failover), nil
}

func buildEngine(cfg config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (graph.Engine, error) {
	switch cfg.EngineBackend {
	case "inmem", "":
		return inmem.New(logger, metrics), nil
	case "temporal":
		// The Temporal-backed Engine adapter (graph/temporal) targets durable,
		// multi-process execution but has not been built yet; fail loudly
		// instead of silently falling back to the non-durable in-memory one.
		return nil, fmt.Errorf("engine backend %q is not yet implemented", cfg.EngineBackend)
	default:
		return nil, fmt.Errorf("unknown engine backend: %q", cfg.EngineBackend)
	}
}

func buildSessionStore(ctx context.Context, cfg config.Config) (session.Store, error) {
	switch cfg.SessionBackend {
	case "memory", "":
		return memory.New(), nil
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return sessionmongo.NewStore(ctx, sessionmongo.Options{Client: client, Database: cfg.MongoDatabase})
	default:
		return nil, fmt.Errorf("unknown session backend: %q", cfg.SessionBackend)
	}
}

// buildQuotaGate returns nil, nil when quota enforcement is disabled; every
// caller treats a nil *quota.Gate as "always allow, never deduct."
func buildQuotaGate(ctx context.Context, cfg config.Config) (*quota.Gate, error) {
	if !cfg.QuotaEnabled {
		return nil, nil
	}
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("quota enabled but CLAUSEREVIEW_MONGO_URI is not set")
	}

	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo for quota ledger: %w", err)
	}
	ledger, err := mongoledger.NewLedger(ctx, mongoledger.Options{Client: client, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, fmt.Errorf("build quota ledger: %w", err)
	}

	opts := []quota.Option{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		opts = append(opts, quota.WithFastPath(redisfastpath.New(redisClient)))
	}
	return quota.New(ledger, opts...), nil
}

func buildAuthenticator(cfg config.Config) (*taskapi.Authenticator, error) {
	if cfg.JWTJWKSURL == "" {
		return nil, fmt.Errorf("CLAUSEREVIEW_JWKS_URL is required")
	}
	fetch := taskapi.NewJWKSKeyFetcher(cfg.JWTJWKSURL, nil)
	return taskapi.NewAuthenticator(fetch, cfg.JWTAudience, cfg.JWKSCacheTTL), nil
}
