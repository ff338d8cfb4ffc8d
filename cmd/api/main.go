package main

import (
	"context"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/audit"
	"github.com/000haoji/deep-student/internal/backup"
	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/config"
	"github.com/000haoji/deep-student/internal/examsheet"
	"github.com/000haoji/deep-student/internal/http"
	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/search"
	"github.com/000haoji/deep-student/internal/storage"
	"github.com/000haoji/deep-student/internal/vectorstore"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	ctx := context.Background()

	// Initialize the data root layout
	root, err := approot.New(cfg.DataRoot)
	if err != nil {
		log.Fatalf("Failed to initialize data root: %v", err)
	}
	slog.Info("Data root ready", "base", root.Base())

	// The audit journal lives in its own database and observes migrations,
	// backups, and restores.
	auditDB, err := storage.Open(root.DatabasePath("audit"))
	if err != nil {
		log.Fatalf("Failed to open audit database: %v", err)
	}
	defer func() {
		_ = auditDB.Close()
	}()
	auditLog, err := audit.Init(auditDB)
	if err != nil {
		log.Fatalf("Failed to initialize audit log: %v", err)
	}

	// Migrate every database before any repository touches it
	coordinator := migrate.NewCoordinator(root, auditLog)
	report, err := coordinator.InitializeWithReport(ctx)
	if err != nil {
		log.Fatalf("Failed to migrate databases: %v", err)
	}
	slog.Info("Databases migrated", "applied", report.MigrationsApplied)

	vfsDB, err := storage.Open(root.DatabasePath(string(migrate.DBVfs)))
	if err != nil {
		log.Fatalf("Failed to open vfs database: %v", err)
	}
	defer func() {
		_ = vfsDB.Close()
	}()
	usageDB, err := storage.Open(root.DatabasePath(string(migrate.DBLLMUsage)))
	if err != nil {
		log.Fatalf("Failed to open llm_usage database: %v", err)
	}
	defer func() {
		_ = usageDB.Close()
	}()
	chatDB, err := storage.Open(root.DatabasePath(string(migrate.DBChatV2)))
	if err != nil {
		log.Fatalf("Failed to open chat_v2 database: %v", err)
	}
	defer func() {
		_ = chatDB.Close()
	}()
	mistakesDB, err := storage.Open(root.DatabasePath(string(migrate.DBMistakes)))
	if err != nil {
		log.Fatalf("Failed to open mistakes database: %v", err)
	}
	defer func() {
		_ = mistakesDB.Close()
	}()

	// Create repository instances
	blobs := blobstore.New(vfsDB, root)
	resourceRepo := storage.NewResourceRepo(vfsDB)
	fileRepo := storage.NewFileRepo(vfsDB, blobs)
	folderRepo := storage.NewFolderRepo(vfsDB)
	mistakeRepo := storage.NewMistakeRepo(mistakesDB)
	chatRepo := storage.NewChatRepo(chatDB)

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(cfg.QdrantURL)
	if err != nil {
		log.Fatalf("Failed to create Qdrant client: %v", err)
	}
	if err := vectorStore.EnsureCollection(ctx, cfg.QdrantCollection, cfg.QdrantVectorSize); err != nil {
		log.Fatalf("Failed to ensure Qdrant collection: %v", err)
	}
	slog.Info("Qdrant collection ready", "collection", cfg.QdrantCollection, "vector_size", cfg.QdrantVectorSize)

	embedder := llm.NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModelName, cfg.QdrantVectorSize)

	// Indexing pipeline and background scheduler
	pipeline := indexer.NewPipeline(vfsDB, embedder, vectorStore, cfg.QdrantCollection)
	scheduler := indexer.NewScheduler(pipeline)
	go scheduler.Run(ctx)

	// LLM orchestration
	usageRepo := llm.NewUsageRepo(usageDB)
	orchestrator := llm.NewOrchestrator(usageRepo)
	modelStore := llm.NewModelConfigStore(vfsDB)

	examEngine := examsheet.NewEngine(resourceRepo, root, orchestrator, modelStore)
	searchEngine := search.NewEngine(vfsDB, embedder, vectorStore, cfg.QdrantCollection)
	backupManager := backup.NewManager(root, auditLog)

	// Create router with dependencies
	deps := &http.Deps{
		Resources: resourceRepo,
		Files:     fileRepo,
		Folders:   folderRepo,
		Blobs:     blobs,
		Mistakes:  mistakeRepo,
		Chat:      chatRepo,
		Orch:      orchestrator,
		Models:    modelStore,
		Configs:   pipeline.Configs(),
		Pipeline:  pipeline,
		Scheduler: scheduler,
		Search:    searchEngine,
		ExamSheet: examEngine,
		Backups:   backupManager,
		Audits:    auditLog,
	}
	router := http.NewRouter(deps)

	// Start API server
	addr := ":" + cfg.APIPort
	slog.Info("Starting API server", "addr", addr)
	slog.Debug("LLM configuration", "base_url", cfg.LLMBaseURL, "model", cfg.LLMModelName)
	if err := nethttp.ListenAndServe(addr, router); err != nil {
		log.Fatalf("API server failed to start: %v", err)
	}
}
