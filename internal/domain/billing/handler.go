package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing", auth.RequireAuthenticated())
	g.POST("", h.CreateBill, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff, auth.RoleDoctor))
	g.GET("", h.ListBills)
	g.GET("/analytics/revenue", h.Revenue, auth.RequireRole(auth.RoleAdmin))
	g.GET("/:bill_id", h.GetBill)
	g.PUT("/:bill_id", h.UpdateBill, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff, auth.RoleDoctor))
	g.DELETE("/:bill_id", h.DeleteBill, auth.RequireRole(auth.RoleAdmin))
	g.GET("/:bill_id/transactions", h.ListTransactions)
	g.POST("/:bill_id/payment", h.RecordPayment, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))
	g.POST("/:bill_id/cancel", h.CancelBill, auth.RequireRole(auth.RoleAdmin))
}

func actor(c echo.Context) (auth.Actor, error) {
	a, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

func billID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("bill_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid bill id")
	}
	return id, nil
}

func (h *Handler) CreateBill(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req CreateBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	b, err := h.svc.CreateBill(c.Request().Context(), a, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBills(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var f ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	f.Status = Status(c.QueryParam("payment_status"))
	pg := pagination.FromContext(c)

	items, total, err := h.svc.ListBills(c.Request().Context(), a, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Bill{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBill(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBill(c.Request().Context(), a, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) UpdateBill(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	var req UpdateBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	b, err := h.svc.ApplyChargeUpdate(c.Request().Context(), a, id, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DeleteBill(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBill(c.Request().Context(), a, id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	txns, err := h.svc.ListTransactions(c.Request().Context(), a, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": txns, "total": len(txns)})
}

func (h *Handler) RecordPayment(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	var req ManualPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	b, t, err := h.svc.RecordManualPayment(c.Request().Context(), a, id, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":        "payment recorded",
		"bill":           b,
		"transaction_id": t.ID,
	})
}

func (h *Handler) CancelBill(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := billID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.CancelBill(c.Request().Context(), a, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Revenue(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	from, err := dateParam(c, "from")
	if err != nil {
		return err
	}
	to, err := dateParam(c, "to")
	if err != nil {
		return err
	}
	sum, err := h.svc.Revenue(c.Request().Context(), a, from, to)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// dateParam accepts RFC 3339 timestamps or plain dates.
func dateParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected YYYY-MM-DD or RFC 3339")
}
