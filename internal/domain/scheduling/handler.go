package scheduling

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any signed-in party; ownership is checked in the service
	api.GET("/appointments", h.List)
	api.GET("/appointments/:id", h.Get)

	// Write endpoints
	bookGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	bookGroup.POST("/appointments", h.Book)

	statusGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	statusGroup.PATCH("/appointments/:id/status", h.Transition)
}

type bookRequest struct {
	PatientID *uuid.UUID `json:"patientId"`
	DoctorID  uuid.UUID  `json:"doctorId" validate:"required"`
	Date      string     `json:"date" validate:"required,datetime=2006-01-02"`
	TimeSlot  string     `json:"timeSlot" validate:"required"`
	Type      string     `json:"type" validate:"max=100"`
	Note      string     `json:"note" validate:"max=1000"`
}

func (h *Handler) Book(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return apperr.InvalidInput("date must be YYYY-MM-DD")
	}

	br := BookRequest{
		DoctorID: req.DoctorID,
		Date:     date,
		TimeSlot: req.TimeSlot,
		Type:     req.Type,
		Note:     req.Note,
	}
	if req.PatientID != nil {
		br.PatientID = *req.PatientID
	}

	a, _, err := h.svc.Book(c.Request().Context(), id, br)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.InvalidInput("invalid appointment id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	a, _, err := h.svc.Transition(c.Request().Context(), id, apptID, req.Status, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.InvalidInput("invalid appointment id")
	}
	a, err := h.svc.Get(c.Request().Context(), id, apptID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{Limit: pg.Limit, Offset: pg.Offset}
	if raw := c.QueryParam("status"); raw != "" {
		st, err := ParseStatus(raw)
		if err != nil {
			return err
		}
		f.Status = &st
	}

	items, total, err := h.svc.List(c.Request().Context(), id, f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
