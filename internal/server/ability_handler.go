package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dagbolade/ability-sidecar/internal/ability"
)

type AbilityService interface {
	Precheck(ctx context.Context, raw []byte) ability.Result
	Execute(ctx context.Context, raw []byte) ability.Result
	Schema() []byte
}

type AbilityHandler struct {
	ability         AbilityService
	precheckTimeout time.Duration
	executeTimeout  time.Duration
}

func NewAbilityHandler(svc AbilityService, precheckTimeout, executeTimeout time.Duration) *AbilityHandler {
	return &AbilityHandler{
		ability:         svc,
		precheckTimeout: precheckTimeout,
		executeTimeout:  executeTimeout,
	}
}

func (h *AbilityHandler) Schema(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, h.ability.Schema())
}

func (h *AbilityHandler) Precheck(c echo.Context) error {
	return h.invoke(c, h.precheckTimeout, h.ability.Precheck)
}

func (h *AbilityHandler) Execute(c echo.Context) error {
	return h.invoke(c, h.executeTimeout, h.ability.Execute)
}

func (h *AbilityHandler) invoke(c echo.Context, timeout time.Duration, run func(context.Context, []byte) ability.Result) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ability.Result{
			Result: ability.ErrorResult{Error: "could not read request body", Stage: ability.StageSchema},
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	res := run(ctx, body)
	return c.JSON(statusFor(res), res)
}

// statusFor maps a result onto HTTP. A precheck that a policy denied is still
// a successful answer.
func statusFor(res ability.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Outcome == ability.OutcomeDenied:
		return http.StatusForbidden
	case res.Stage == ability.StageSchema:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
