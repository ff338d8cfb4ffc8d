package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/000haoji/deep-student/internal/audit"
	"github.com/000haoji/deep-student/internal/backup"
	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/examsheet"
	"github.com/000haoji/deep-student/internal/handlers"
	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/search"
	"github.com/000haoji/deep-student/internal/storage"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Resources *storage.ResourceRepo
	Files     *storage.FileRepo
	Folders   *storage.FolderRepo
	Blobs     *blobstore.Store
	Mistakes  *storage.MistakeRepo
	Chat      *storage.ChatRepo
	Orch      *llm.Orchestrator
	Models    *llm.ModelConfigStore
	Configs   *indexer.ConfigStore
	Pipeline  *indexer.Pipeline
	Scheduler *indexer.Scheduler
	Search    *search.Engine
	ExamSheet *examsheet.Engine
	Backups   *backup.Manager
	Audits    *audit.Log
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware)
	r.Use(CORS)

	mistakes := handlers.NewMistakeHandler(deps.Mistakes)
	analysis := handlers.NewAnalysisHandler(deps.Mistakes, deps.Chat, deps.Orch, deps.Models)
	settings := handlers.NewSettingsHandler(deps.Models, deps.Mistakes, deps.Configs, deps.Orch)
	sheets := handlers.NewExamSheetHandler(deps.ExamSheet)
	searcher := handlers.NewSearchHandler(deps.Search, deps.Pipeline, deps.Scheduler)
	system := handlers.NewSystemHandler(deps.Backups, deps.Audits)
	resources := handlers.NewResourceHandler(deps.Resources, deps.Files, deps.Folders, deps.Blobs, deps.Pipeline)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", system.Health)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", resources.ListFiles)
			r.Post("/", resources.UploadFile)
			r.Get("/{id}", resources.GetFile)
			r.Get("/{id}/content", resources.GetFileContent)
			r.Delete("/{id}", resources.DeleteFile)
			r.Post("/{id}/restore", resources.RestoreFile)
			r.Delete("/{id}/purge", resources.PurgeFile)
		})
		r.Route("/folders", func(r chi.Router) {
			r.Get("/", resources.ListFolders)
			r.Post("/", resources.CreateFolder)
			r.Get("/{id}/items", resources.ListFolderItems)
			r.Post("/{id}/expanded", resources.SetFolderExpanded)
		})
		r.Route("/resources", func(r chi.Router) {
			r.Get("/", resources.ListResources)
			r.Post("/", resources.CreateResource)
			r.Get("/{id}", resources.GetResource)
			r.Put("/{id}", resources.UpdateResource)
			r.Delete("/{id}", resources.DeleteResource)
			r.Post("/{id}/restore", resources.RestoreResource)
			r.Delete("/{id}/purge", resources.PurgeResource)
		})
		r.Post("/blobs/gc", resources.GCBlobs)

		r.Route("/mistakes", func(r chi.Router) {
			r.Get("/", mistakes.List)
			r.Get("/{id}", mistakes.Get)
			r.Put("/{id}", mistakes.Update)
			r.Delete("/{id}", mistakes.Delete)
			r.Post("/{id}/chat/stream", analysis.ContinueMistakeChat)
		})
		r.Get("/statistics", mistakes.Statistics)

		r.Route("/analysis", func(r chi.Router) {
			r.Post("/stream", analysis.AnalyzeNewMistake)
			r.Post("/continue/stream", analysis.ContinueChat)
			r.Post("/save", analysis.SaveMistakeFromAnalysis)
		})
		r.Route("/reviews", func(r chi.Router) {
			r.Post("/stream", analysis.AnalyzeReviewSession)
			r.Post("/{id}/chat/stream", analysis.ContinueReviewChat)
		})
		r.Route("/chat/sessions", func(r chi.Router) {
			r.Get("/", analysis.ListChatSessions)
			r.Get("/{id}/messages", analysis.GetChatMessages)
		})
		r.Post("/streams/{eventID}/cancel", analysis.CancelStream)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/api-configurations", settings.GetAPIConfigurations)
			r.Post("/api-configurations", settings.SaveAPIConfigurations)
			r.Get("/model-assignments", settings.GetModelAssignments)
			r.Post("/model-assignments", settings.SaveModelAssignments)
			r.Get("/adapter-options", settings.GetAdapterOptions)
			r.Post("/adapter-options", settings.SaveAdapterOptions)
			r.Delete("/adapter-options", settings.ResetAdapterOptions)
			r.Post("/test-connection", settings.TestAPIConnection)
			r.Get("/indexer", settings.GetIndexerConfig)
			r.Post("/indexer", settings.SaveIndexerConfig)
		})
		r.Get("/subjects", settings.GetSupportedSubjects)
		r.Post("/subjects", settings.SetSubject)

		r.Route("/exam-sheets", func(r chi.Router) {
			r.Get("/", sheets.List)
			r.Post("/", sheets.Create)
			r.Get("/{id}", sheets.Get)
			r.Post("/{id}/cards", sheets.UpdateCards)
			r.Post("/{id}/parse", sheets.Parse)
		})

		r.Post("/search", searcher.Search)
		r.Route("/index", func(r chi.Router) {
			r.Post("/run", searcher.RunBatch)
			r.Get("/{id}", searcher.IndexState)
			r.Post("/{id}/reindex", searcher.Reindex)
		})

		r.Route("/backup", func(r chi.Router) {
			r.Post("/", system.CreateBackup)
			r.Post("/restore", system.RestoreBackup)
		})
		r.Get("/audit", system.QueryAudit)
	})

	return r
}
