package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
)

const dateLayout = "2006-01-02"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – parties to the appointment; checked in the service
	api.GET("/services", h.ListServices)
	api.GET("/appointments/:id/invoice", h.GetInvoice)

	// Write endpoints – the appointment's doctor
	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	writeGroup.POST("/appointments/:id/bills", h.AddLine)
	writeGroup.PATCH("/invoices/:id/bills/:lineId", h.EditLine)
	writeGroup.DELETE("/invoices/:id/bills/:lineId", h.DeleteLine)
	writeGroup.POST("/appointments/:id/invoice/finalize", h.Finalize)
	writeGroup.PATCH("/appointments/:id/invoice/summary", h.EditFinalSummary)

	payGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	payGroup.POST("/appointments/:id/invoice/pay", h.MarkPaid)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("invalid %s", name)
	}
	return id, nil
}

// parseDate accepts an empty string as "not given".
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, apperr.InvalidInput("dates must be YYYY-MM-DD")
	}
	return t, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	return c.Validate(v)
}

type addLineRequest struct {
	ServiceID   uuid.UUID `json:"serviceId" validate:"required"`
	Quantity    int       `json:"quantity" validate:"omitempty,min=1,max=1000"`
	ServiceDate string    `json:"serviceDate" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) AddLine(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req addLineRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.ServiceDate)
	if err != nil {
		return err
	}

	line, view, err := h.svc.AddLine(c.Request().Context(), id, apptID, AddLineInput{
		ServiceID:   req.ServiceID,
		Quantity:    req.Quantity,
		ServiceDate: date,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"line": line, "invoice": view})
}

type editLineRequest struct {
	ServiceID   *uuid.UUID `json:"serviceId"`
	Quantity    *int       `json:"quantity" validate:"omitempty,min=1,max=1000"`
	ServiceDate *string    `json:"serviceDate" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) EditLine(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	invoiceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	lineID, err := parseID(c, "lineId")
	if err != nil {
		return err
	}
	var req editLineRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	in := EditLineInput{ServiceID: req.ServiceID, Quantity: req.Quantity}
	if req.ServiceDate != nil {
		d, err := parseDate(*req.ServiceDate)
		if err != nil {
			return err
		}
		in.ServiceDate = &d
	}

	line, view, err := h.svc.EditLine(c.Request().Context(), id, invoiceID, lineID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"line": line, "invoice": view})
}

func (h *Handler) DeleteLine(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	invoiceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	lineID, err := parseID(c, "lineId")
	if err != nil {
		return err
	}
	view, err := h.svc.DeleteLine(c.Request().Context(), id, invoiceID, lineID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

type finalizeRequest struct {
	Discount float64 `json:"discount" validate:"gte=0,lte=100"`
	BillDate string  `json:"billDate" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req finalizeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.BillDate)
	if err != nil {
		return err
	}
	view, err := h.svc.Finalize(c.Request().Context(), id, apptID, req.Discount, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

type summaryRequest struct {
	Discount *float64 `json:"discount" validate:"omitempty,gte=0,lte=100"`
	BillDate *string  `json:"billDate" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) EditFinalSummary(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req summaryRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := SummaryInput{Discount: req.Discount}
	if req.BillDate != nil {
		d, err := parseDate(*req.BillDate)
		if err != nil {
			return err
		}
		in.BillDate = &d
	}
	view, err := h.svc.EditFinalSummary(c.Request().Context(), id, apptID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

type payRequest struct {
	PaymentDate string `json:"paymentDate" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) MarkPaid(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req payRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.PaymentDate)
	if err != nil {
		return err
	}
	view, err := h.svc.MarkPaid(c.Request().Context(), id, apptID, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetInvoice(c.Request().Context(), id, apptID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListServices(c echo.Context) error {
	items, err := h.svc.ListServices(c.Request().Context())
	if err != nil {
		return err
	}
	if items == nil {
		items = []*CatalogService{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}
