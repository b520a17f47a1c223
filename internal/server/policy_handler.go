package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/ability-sidecar/internal/policy"
)

// PolicyCatalog exposes the active policy table.
type PolicyCatalog interface {
	Describe() (entries []policy.Entry, parallel bool)
	Reload() error
}

type PolicyHandler struct {
	catalog PolicyCatalog
}

func NewPolicyHandler(catalog PolicyCatalog) *PolicyHandler {
	return &PolicyHandler{catalog: catalog}
}

type policyView struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// List returns the active policies in evaluation order.
func (h *PolicyHandler) List(c echo.Context) error {
	entries, parallel := h.catalog.Describe()

	views := make([]policyView, 0, len(entries))
	for _, e := range entries {
		views = append(views, policyView{ID: e.ID, Type: e.Type})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"parallel": parallel,
		"policies": views,
	})
}

// Types returns the parameter schema of every built-in policy type.
func (h *PolicyHandler) Types(c echo.Context) error {
	schemas, err := policy.ParamSchemas()
	if err != nil {
		log.Error().Err(err).Msg("failed to build policy parameter schemas")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to build policy parameter schemas",
		})
	}
	return c.JSON(http.StatusOK, schemas)
}

func (h *PolicyHandler) Reload(c echo.Context) error {
	if err := h.catalog.Reload(); err != nil {
		log.Warn().Err(err).Msg("policy reload rejected")
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}
	return h.List(c)
}
