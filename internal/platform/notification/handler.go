package notification

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	store      *Store
	dispatcher *Dispatcher
}

func NewHandler(store *Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.PATCH("/notifications/read-all", h.MarkAllRead)
	api.PATCH("/notifications/:id/read", h.MarkRead)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/notifications", h.Send)
	admin.POST("/notifications/broadcast", h.Broadcast)
}

type listResponse struct {
	pagination.Response
	Unread int `json:"unread"`
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
	pg := pagination.FromContext(c)

	ctx := c.Request().Context()
	items, total, err := h.store.List(ctx, id.UserID, unreadOnly, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	unread, err := h.store.UnreadCount(ctx, id.UserID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, listResponse{
		Response: *pagination.NewResponse(items, total, pg.Limit, pg.Offset),
		Unread:   unread,
	})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	nid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.InvalidInput("invalid notification id")
	}
	if err := h.store.MarkRead(c.Request().Context(), id.UserID, nid); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	n, err := h.store.MarkAllRead(c.Request().Context(), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

type sendRequest struct {
	UserID  *uuid.UUID `json:"userId"`
	Role    string     `json:"role" validate:"omitempty,oneof=patient doctor admin"`
	Title   string     `json:"title" validate:"required,max=200"`
	Message string     `json:"message" validate:"required,max=2000"`
	Link    *string    `json:"link" validate:"omitempty,max=500"`
}

// Send notifies one user or every member of a role.
func (h *Handler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	var msg Message
	switch {
	case req.UserID != nil && req.Role == "":
		msg = ToUser(*req.UserID, req.Title, req.Message, req.Link)
	case req.UserID == nil && req.Role != "":
		msg = ToRole(req.Role, req.Title, req.Message, req.Link)
	default:
		return apperr.InvalidInput("exactly one of userId or role is required")
	}

	created, err := h.dispatcher.Dispatch(c.Request().Context(), msg)
	if err != nil {
		return err
	}
	if created == nil {
		created = []*Notification{}
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"created": created})
}

type broadcastRequest struct {
	Title   string  `json:"title" validate:"required,max=200"`
	Message string  `json:"message" validate:"required,max=2000"`
	Link    *string `json:"link" validate:"omitempty,max=500"`
}

func (h *Handler) Broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if _, err := h.dispatcher.Dispatch(c.Request().Context(), ToAll(req.Title, req.Message, req.Link)); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
