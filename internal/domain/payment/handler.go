package payment

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

const signatureHeader = "X-Razorpay-Signature"

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes mounts the checkout endpoints under /billing and the
// public key and webhook endpoints, which carry no bearer token.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing", auth.RequireAuthenticated())
	g.POST("/:bill_id/razorpay/create-order", h.CreateOrder)
	g.POST("/razorpay/verify-payment", h.VerifyPayment)
	g.GET("/razorpay/payment/:payment_id", h.FetchPayment, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))

	api.GET("/razorpay/key", h.Key)
	api.POST("/billing/razorpay/webhook", h.Webhook)
}

func actor(c echo.Context) (auth.Actor, error) {
	a, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

func (h *Handler) CreateOrder(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	billID, err := uuid.Parse(c.Param("bill_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid bill id")
	}
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.BillID != uuid.Nil && req.BillID != billID {
		return echo.NewHTTPError(http.StatusBadRequest, "bill_id in body does not match path")
	}
	out, err := h.engine.CreateOrder(c.Request().Context(), a, billID, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) VerifyPayment(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.engine.VerifyAndSettle(c.Request().Context(), a, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) FetchPayment(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	p, err := h.engine.FetchPayment(c.Request().Context(), a, c.Param("payment_id"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Key(c echo.Context) error {
	key, err := h.engine.KeyID()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key_id": key})
}

func (h *Handler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}
	res, err := h.engine.HandleWebhook(c.Request().Context(), body, c.Request().Header.Get(signatureHeader))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
