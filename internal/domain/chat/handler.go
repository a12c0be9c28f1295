package chat

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/chat/internal/platform/apperr"
	"github.com/ehr/chat/internal/platform/auth"
	"github.com/ehr/chat/pkg/pagination"
)

// Presence reports the identities currently connected.
type Presence interface {
	ListOnline() []string
}

// Handler is the HTTP fallback surface. It calls the same Service methods as
// the websocket gateway.
type Handler struct {
	svc      *Service
	presence Presence
}

func NewHandler(svc *Service, presence Presence) *Handler {
	return &Handler{svc: svc, presence: presence}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/pending", h.ListPendingRequests, auth.RequireRole(auth.RoleDoctor))
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations", h.RequestConversation, auth.RequireRole(auth.RolePatient))
	g.PATCH("/conversations/:id/respond", h.Respond, auth.RequireRole(auth.RoleDoctor))
	g.PATCH("/conversations/:id/read", h.MarkConversationRead)
	g.DELETE("/conversations/:id", h.DeleteConversation)
	g.POST("/messages", h.SendMessage)
	g.PATCH("/messages/:id/read", h.MarkAsRead)
	g.GET("/presence", h.ListOnline)
}

func userID(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListConversations(c echo.Context) error {
	convs, err := h.svc.ListConversations(c.Request().Context(), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

func (h *Handler) ListPendingRequests(c echo.Context) error {
	pending, err := h.svc.ListPendingRequests(c.Request().Context(), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pending)
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	msgs, total, err := h.svc.ListMessages(c.Request().Context(), userID(c), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset))
}

type requestConversationBody struct {
	DoctorID string `json:"doctorId"`
}

func (h *Handler) RequestConversation(c echo.Context) error {
	var body requestConversationBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.DoctorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "doctorId is required")
	}
	conv, created, err := h.svc.RequestConversation(c.Request().Context(), userID(c), body.DoctorID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, conv)
}

type respondBody struct {
	Status string `json:"status"`
}

func (h *Handler) Respond(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body respondBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.svc.Respond(c.Request().Context(), userID(c), id, body.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteConversation(c.Request().Context(), userID(c), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SendMessage(c echo.Context) error {
	var in SendInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.Send(c.Request().Context(), userID(c), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) MarkAsRead(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.MarkAsRead(c.Request().Context(), userID(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) MarkConversationRead(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkConversationRead(c.Request().Context(), userID(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func (h *Handler) ListOnline(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"online": h.presence.ListOnline()})
}
