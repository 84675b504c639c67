package handler

import (
	"github.com/gofiber/fiber/v2"

	"dfeingest/internal/service"
)

// FetchRequest selects one (taxpayer, document type) pair.
type FetchRequest struct {
	TaxpayerID   string `json:"taxpayer_id" example:"11222333000181"`
	DocumentType string `json:"document_type" example:"NFe"`
}

// FetchNow godoc
// @Summary Fetch now
// @Description Pages the distribution feed for one taxpayer and document type until caught up
// @Tags distribution
// @Accept json
// @Produce json
// @Param request body FetchRequest true "pair to fetch"
// @Success 200 {object} dfe.FetchResult
// @Failure 400 {object} errorPayload
// @Failure 429 {object} errorPayload
// @Failure 502 {object} errorPayload
// @Router /fetch [post]
func FetchNow(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req FetchRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}
		res, err := svc.FetchNow(c.UserContext(), req.TaxpayerID, req.DocumentType)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// TestConnection godoc
// @Summary Test connection
// @Description Validates the certificate and probes the distribution endpoint without advancing the cursor
// @Tags distribution
// @Accept json
// @Produce json
// @Param request body FetchRequest true "pair to probe"
// @Success 200 {object} dfe.ConnectionStatus
// @Failure 400 {object} errorPayload
// @Router /connection-test [post]
func TestConnection(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req FetchRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}
		st, err := svc.TestConnection(c.UserContext(), req.TaxpayerID, req.DocumentType)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(st)
	}
}

// GetCursor godoc
// @Summary Get cursor
// @Tags distribution
// @Produce json
// @Param taxpayer path string true "CNPJ or CPF"
// @Param type path string true "NFe, CTe or NFSe"
// @Success 200 {object} model.FetchCursor
// @Failure 400 {object} errorPayload
// @Router /cursors/{taxpayer}/{type} [get]
func GetCursor(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cur, err := svc.GetCursor(c.UserContext(), c.Params("taxpayer"), c.Params("type"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(cur)
	}
}

// ListCursors godoc
// @Summary List cursors
// @Tags distribution
// @Produce json
// @Success 200 {array} model.FetchCursor
// @Router /cursors [get]
func ListCursors(svc service.Operations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cursors, err := svc.ListCursors(c.UserContext())
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(fiber.Map{"data": cursors})
	}
}
