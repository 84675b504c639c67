package handler

import (
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"dfeingest/internal/pipeline"
	"dfeingest/internal/service"
	"dfeingest/internal/source/email"
)

// maxAttachmentSize bounds an uploaded attachment.
const maxAttachmentSize = 32 << 20

func queryInt(c *fiber.Ctx, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// ListDocuments godoc
// @Summary List documents
// @Tags documents
// @Produce json
// @Param document_type query string false "NFe, CTe or NFSe"
// @Param status query string false "processing status"
// @Param issuer query string false "issuer CNPJ or CPF"
// @Param limit query int false "page size" default(10)
// @Param offset query int false "page offset" default(0)
// @Success 200 {object} service.DocumentListResult
// @Failure 400 {object} errorPayload
// @Router /documents [get]
func ListDocuments(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, ok := queryInt(c, "limit", 10)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, ok := queryInt(c, "offset", 0)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}
		res, err := svc.ListDocuments(c.UserContext(), service.DocumentQuery{
			DocumentType: c.Query("document_type"),
			Status:       c.Query("status"),
			IssuerTaxID:  c.Query("issuer"),
			Limit:        limit,
			Offset:       offset,
		})
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// GetDocument godoc
// @Summary Get document
// @Description Returns the document, its events and a short-lived link to the raw payload
// @Tags documents
// @Produce json
// @Param key path string true "44-digit access key"
// @Success 200 {object} service.DocumentView
// @Failure 400 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Router /documents/{key} [get]
func GetDocument(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		view, err := svc.GetDocument(c.UserContext(), c.Params("key"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(view)
	}
}

// GetDocumentPayload godoc
// @Summary Get raw payload
// @Description Streams the XML the document was parsed from
// @Tags documents
// @Produce xml
// @Param key path string true "44-digit access key"
// @Success 200 {string} string
// @Failure 400 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Router /documents/{key}/payload [get]
func GetDocumentPayload(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, err := svc.GetDocumentPayload(c.UserContext(), c.Params("key"))
		if err != nil {
			return writeServiceError(c, err)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXMLCharsetUTF8)
		return c.Send(raw)
	}
}

// ProcessDocument godoc
// @Summary Process document
// @Description Runs the pipeline from the current status; a failed document resumes at its failed stage
// @Tags pipeline
// @Produce json
// @Param key path string true "44-digit access key"
// @Success 200 {object} model.Document
// @Failure 404 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Failure 422 {object} errorPayload
// @Router /documents/{key}/process [post]
func ProcessDocument(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := svc.ProcessDocument(c.UserContext(), c.Params("key"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// RunStage godoc
// @Summary Re-run stage
// @Tags pipeline
// @Produce json
// @Param key path string true "44-digit access key"
// @Param stage path string true "stage name"
// @Success 200 {object} model.Document
// @Failure 400 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Failure 422 {object} errorPayload
// @Router /documents/{key}/stages/{stage} [post]
func RunStage(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := svc.RunStage(c.UserContext(), c.Params("key"), c.Params("stage"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// OverrideLinks godoc
// @Summary Override links
// @Description Assigns supplier, items, purchase order or purchase invoice without changing status
// @Tags pipeline
// @Accept json
// @Produce json
// @Param key path string true "44-digit access key"
// @Param request body pipeline.Override true "links to assign"
// @Success 200 {object} model.Document
// @Failure 400 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Router /documents/{key}/links [put]
func OverrideLinks(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var ov pipeline.Override
		if err := c.BodyParser(&ov); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}
		doc, err := svc.OverrideLinks(c.UserContext(), c.Params("key"), ov)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// IngestAttachment godoc
// @Summary Ingest attachment
// @Description Records an XML, a ZIP of XMLs or a PDF with embedded XML received by email
// @Tags documents
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "attachment"
// @Param taxpayer_id formData string false "recipient CNPJ or CPF"
// @Success 201 {object} email.Result
// @Failure 400 {object} errorPayload
// @Router /attachments [post]
func IngestAttachment(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "file is required")
		}
		if fh.Size > maxAttachmentSize {
			return writeError(c, fiber.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "attachment too large")
		}
		f, err := fh.Open()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
		}
		defer f.Close()
		content, err := io.ReadAll(io.LimitReader(f, maxAttachmentSize))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot read uploaded file")
		}

		res, err := svc.IngestAttachment(c.UserContext(), email.Attachment{
			FileName:   fh.Filename,
			Content:    content,
			TaxpayerID: c.FormValue("taxpayer_id"),
		})
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}
