package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/api/handlers"
	cacheredis "github.com/accred-agent/backend/internal/cache/redis"
	"github.com/accred-agent/backend/internal/embedding"
	"github.com/accred-agent/backend/internal/evidence"
	graphneo4j "github.com/accred-agent/backend/internal/graph/neo4j"
	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/matcher"
	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/internal/middleware/ratelimit"
	"github.com/accred-agent/backend/internal/middleware/security"
	"github.com/accred-agent/backend/internal/middleware/validation"
	"github.com/accred-agent/backend/internal/pipeline"
	"github.com/accred-agent/backend/internal/storage/sqlite"
	"github.com/accred-agent/backend/internal/vector/milvus"
	"github.com/accred-agent/backend/pkg/config"
	appLogger "github.com/accred-agent/backend/pkg/logger"
)

// milvusIndex adapts the milvus client to the matcher's Index interface.
type milvusIndex struct {
	client *milvus.Client
}

func (m *milvusIndex) Search(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]matcher.SearchHit, error) {
	hits, err := m.client.Search(ctx, vector, topK, filters)
	if err != nil {
		return nil, err
	}

	results := make([]matcher.SearchHit, 0, len(hits))
	for _, hit := range hits {
		results = append(results, matcher.SearchHit{
			SourceID: hit.SourceID,
			Score:    hit.Score,
		})
	}
	return results, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting accreditation compliance API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var milvusClient *milvus.Client
	if cfg.Milvus.Endpoint != "" {
		milvusClient, err = milvus.NewClient(
			cfg.Milvus.Endpoint,
			cfg.Milvus.APIKey,
			cfg.Milvus.CollectionName,
			cfg.Milvus.VectorDim,
		)
		if err != nil {
			appLogger.Warn("Vector index unavailable, similarity suggestions disabled", zap.Error(err))
			milvusClient = nil
		} else {
			defer milvusClient.Close()
			if err := milvusClient.EnsureCollection(context.Background()); err != nil {
				appLogger.Fatal("Failed to ensure collection", zap.Error(err))
			}
		}
	}

	var graphClient *graphneo4j.Client
	if cfg.Neo4j.Enabled {
		graphClient, err = graphneo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
			cfg.Neo4j.Database,
		)
		if err != nil {
			appLogger.Warn("Mapping graph unavailable, recording disabled", zap.Error(err))
			graphClient = nil
		} else {
			defer graphClient.Close(context.Background())
		}
	}

	embedder, err := embedding.Resolve(
		embedding.NewOpenAIBackend(cfg.LLM.APIKey, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDim),
		embedding.NewHashBackend(cfg.LLM.EmbeddingDim),
	)
	if err != nil {
		appLogger.Fatal("No embedding backend available", zap.Error(err))
	}
	appLogger.Info("Embedding backend resolved", zap.String("backend", embedder.Name()))

	if cfg.Redis.Enabled {
		redisClient, err := cacheredis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			embedder = embedding.NewCachedBackend(embedder, redisClient)
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)
	if !llmClient.Available() {
		appLogger.Fatal("LLM client is not configured; set ACCRED_LLM_APIKEY and ACCRED_LLM_MODEL")
	}

	deps := pipeline.Deps{
		LLM:   llmClient,
		Store: sqliteClient,
	}
	if milvusClient != nil {
		similarityMatcher := matcher.New(embedder, &milvusIndex{client: milvusClient}, cfg.Pipeline.SimilarityFloor)
		deps.Suggester = similarityMatcher
		deps.CitationVerifier = similarityMatcher
		deps.Seeder = evidence.NewIndexer(embedder, milvusClient)
	}
	if graphClient != nil {
		deps.Recorder = graphClient
	}

	orchestrator, err := pipeline.NewOrchestrator(deps, cfg.Pipeline)
	if err != nil {
		appLogger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		EnableHSTS:     cfg.Server.EnableHSTS,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute,
		ExecuteCost:          cfg.Server.ExecuteCost,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxBodySize: cfg.Server.BodyLimit,
		Logger:      appLogger.GetLogger(),
	}))

	workflowHandler := handlers.NewWorkflowHandler(orchestrator)
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	var coverageSource handlers.CoverageSource
	if graphClient != nil {
		coverageSource = graphClient
	}
	coverageHandler := handlers.NewCoverageHandler(coverageSource, cfg.Pipeline.MappingAcceptance)

	api := app.Group("/api/v1")

	api.Post("/workflows", workflowHandler.HandleExecute)
	api.Get("/workflows/:id", workflowHandler.GetStatus)
	api.Get("/workflows/:id/result", workflowHandler.GetResult)
	api.Post("/workflows/:id/stop", workflowHandler.HandleStop)
	api.Get("/coverage/:accreditor", coverageHandler.HandleCoverage)

	api.Use("/workflows/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/workflows/:id/progress", websocket.New(wsHandler.HandleProgress))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
