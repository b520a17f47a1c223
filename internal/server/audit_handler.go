package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/ability-sidecar/internal/audit"
)

type AuditReader interface {
	GetAll(ctx context.Context) ([]audit.Entry, error)
}

type AuditHandler struct {
	store AuditReader
}

func NewAuditHandler(store AuditReader) *AuditHandler {
	return &AuditHandler{store: store}
}

func (h *AuditHandler) GetAuditLog(c echo.Context) error {
	ctx := c.Request().Context()

	entries, err := h.store.GetAll(ctx)
	if err != nil {
		log.Error().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("failed to retrieve audit log")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve audit log",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"entries": entries,
	})
}
