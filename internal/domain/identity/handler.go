package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chat/internal/platform/apperr"
	"github.com/ehr/chat/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/me", h.Me)
	g.GET("/users/:id", h.GetUser)
}

func (h *Handler) Me(c echo.Context) error {
	uid := auth.UserIDFromContext(c.Request().Context())
	u, err := h.svc.Resolve(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

// GetUser returns the public profile of another identity.
func (h *Handler) GetUser(c echo.Context) error {
	u, err := h.svc.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, u.Profile())
}
