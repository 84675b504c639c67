package handler

import (
	"database/sql"

	"github.com/gofiber/fiber/v2"

	"dfeingest/internal/service"
)

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
// Handlers only translate HTTP to service calls.
func RegisterRoutes(app *fiber.App, db *sql.DB, svc service.Operations) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())

	app.Post("/fetch", FetchNow(svc))
	app.Post("/connection-test", TestConnection(svc))
	app.Get("/cursors", ListCursors(svc))
	app.Get("/cursors/:taxpayer/:type", GetCursor(svc))

	app.Post("/attachments", IngestAttachment(svc))

	app.Get("/documents", ListDocuments(svc))
	app.Get("/documents/:key", GetDocument(svc))
	app.Get("/documents/:key/payload", GetDocumentPayload(svc))
	app.Post("/documents/:key/process", ProcessDocument(svc))
	app.Post("/documents/:key/stages/:stage", RunStage(svc))
	app.Put("/documents/:key/links", OverrideLinks(svc))

	app.Get("/import-log", ListImportLog(svc))
	app.Get("/import-log/export", ExportImportLog(svc))
}
