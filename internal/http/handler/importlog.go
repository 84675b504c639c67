package handler

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"dfeingest/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// parseTime accepts RFC3339 or a plain date.
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", v)
}

func importLogQuery(c *fiber.Ctx) (service.ImportLogQuery, string, bool) {
	q := service.ImportLogQuery{
		TaxpayerID:   c.Query("taxpayer_id"),
		DocumentType: c.Query("document_type"),
		Outcome:      c.Query("outcome"),
		AccessKey:    c.Query("access_key"),
	}
	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		return q, "INVALID_FROM", false
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		return q, "INVALID_TO", false
	}
	var ok bool
	if q.Limit, ok = queryInt(c, "limit", 10); !ok {
		return q, "INVALID_LIMIT", false
	}
	if q.Offset, ok = queryInt(c, "offset", 0); !ok {
		return q, "INVALID_OFFSET", false
	}
	return q, "", true
}

// ListImportLog godoc
// @Summary List import log
// @Tags ledger
// @Produce json
// @Param taxpayer_id query string false "CNPJ or CPF"
// @Param document_type query string false "NFe, CTe or NFSe"
// @Param outcome query string false "success, duplicate, skipped or error"
// @Param access_key query string false "44-digit access key"
// @Param from query string false "RFC3339 or YYYY-MM-DD"
// @Param to query string false "RFC3339 or YYYY-MM-DD"
// @Param limit query int false "page size" default(10)
// @Param offset query int false "page offset" default(0)
// @Success 200 {object} service.ImportLogResult
// @Failure 400 {object} errorPayload
// @Router /import-log [get]
func ListImportLog(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, code, ok := importLogQuery(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, code, "invalid query parameter")
		}
		res, err := svc.ListImportLog(c.UserContext(), q)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// ExportImportLog godoc
// @Summary Export import log
// @Description Returns every matching entry as an XLSX workbook
// @Tags ledger
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param taxpayer_id query string false "CNPJ or CPF"
// @Param document_type query string false "NFe, CTe or NFSe"
// @Param outcome query string false "success, duplicate, skipped or error"
// @Param from query string false "RFC3339 or YYYY-MM-DD"
// @Param to query string false "RFC3339 or YYYY-MM-DD"
// @Success 200 {file} file
// @Failure 400 {object} errorPayload
// @Router /import-log/export [get]
func ExportImportLog(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		q, code, ok := importLogQuery(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, code, "invalid query parameter")
		}
		b, err := svc.ExportImportLog(c.UserContext(), q)
		if err != nil {
			return writeServiceError(c, err)
		}
		name := fmt.Sprintf("import-log-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
		c.Set(fiber.HeaderContentType, xlsxContentType)
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
		return c.Send(b)
	}
}
