// Package checkout serves the JSON API the checkout wizard drives.
package checkout

import (
	"context"
	"net/http"
	"net/url"

	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/handler"
	"github.com/dukerupert/switchboard/internal/middleware"
	"github.com/dukerupert/switchboard/internal/numbers"
	"github.com/dukerupert/switchboard/internal/service"
)

// Service is the part of service.CheckoutService the handlers use.
type Service interface {
	Create(ctx context.Context) (*domain.CheckoutSession, error)
	Get(ctx context.Context, id string) (*domain.CheckoutSession, error)
	Update(ctx context.Context, id string, edit service.SessionEdit) (*domain.CheckoutSession, error)
	Continue(ctx context.Context, id string) (*service.StepResult, error)
	Back(ctx context.Context, id string) (*service.StepResult, error)
	Pricing(ctx context.Context, id string) (*service.PricingView, error)
	EnterPayment(ctx context.Context, id string) (*service.PaymentView, error)
	SyncPayment(ctx context.Context, id string) (*service.PricingView, error)
	ConfirmPayment(ctx context.Context, id, paymentMethodID string) (*service.ConfirmResult, error)
	ResumePayment(ctx context.Context, id, intentID, redirectStatus string) (*service.ConfirmResult, error)

	ValidateAddress(ctx context.Context, addr domain.Address) (*address.ValidationResult, error)
	SuggestAddresses(ctx context.Context, query string) (*address.Suggestions, error)
	ValidateEmail(ctx context.Context, email string) (*contact.EmailResult, error)
	SearchNumbers(ctx context.Context, areaCode string, limit int) ([]numbers.AvailableNumber, error)
	CheckPortability(ctx context.Context, number string) (*numbers.Portability, []string, error)
}

var _ Service = (*service.CheckoutService)(nil)

// Handler handles the checkout API routes.
type Handler struct {
	svc Service

	// pagePath is the wizard page the step-up return redirects to.
	pagePath string
}

// NewHandler creates a checkout handler. pagePath defaults to /checkout.
func NewHandler(svc Service, pagePath string) *Handler {
	if pagePath == "" {
		pagePath = "/checkout"
	}
	return &Handler{svc: svc, pagePath: pagePath}
}

// Create handles POST /api/checkout/sessions
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Create(r.Context())
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	middleware.GetLogger(r.Context()).Info("checkout session created", "session_id", sess.ID)
	w.Header().Set("Location", "/api/checkout/sessions/"+sess.ID)
	handler.WriteJSON(w, http.StatusCreated, sess)
}

// Get handles GET /api/checkout/sessions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, sess)
}

// Update handles PUT /api/checkout/sessions/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var edit service.SessionEdit
	if err := handler.DecodeJSON(r, &edit); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sess, err := h.svc.Update(r.Context(), r.PathValue("id"), edit)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, sess)
}

// Continue handles POST /api/checkout/sessions/{id}/continue
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.svc.Continue)
}

// Back handles POST /api/checkout/sessions/{id}/back
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.svc.Back)
}

func (h *Handler) step(w http.ResponseWriter, r *http.Request, move func(context.Context, string) (*service.StepResult, error)) {
	res, err := move(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

// Pricing handles GET /api/checkout/sessions/{id}/pricing
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Pricing(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, view)
}

// EnterPayment handles POST /api/checkout/sessions/{id}/payment
func (h *Handler) EnterPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.EnterPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, view)
}

// SyncPayment handles POST /api/checkout/sessions/{id}/sync
func (h *Handler) SyncPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.SyncPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, view)
}

// Confirm handles POST /api/checkout/sessions/{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentMethodID string `json:"payment_method_id"`
	}
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if req.PaymentMethodID == "" {
		handler.ValidationErrorResponse(w, r,
			domain.NewValidationError("checkout.confirm", "payment_method_id", "is required"))
		return
	}

	res, err := h.svc.ConfirmPayment(r.Context(), r.PathValue("id"), req.PaymentMethodID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	middleware.GetLogger(r.Context()).Info("payment confirmation answered",
		"outcome", res.Outcome,
		"order_id", res.OrderID,
	)
	handler.WriteJSON(w, http.StatusOK, res)
}

// Return handles GET /checkout/return, where the processor sends the browser
// after a step-up challenge. The provider parameters never reach the wizard
// page; it only learns the outcome.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" {
		handler.BadRequestResponse(w, r, "Missing checkout session")
		return
	}

	logger := middleware.GetLogger(r.Context()).With("session_id", sessionID)

	dest := url.Values{}
	dest.Set("session", sessionID)

	res, err := h.svc.ResumePayment(r.Context(), sessionID, q.Get("payment_intent"), q.Get("redirect_status"))
	switch {
	case err == nil:
		dest.Set("result", res.Outcome)
	case domain.IsCode(err, domain.ENOTFOUND), domain.IsCode(err, domain.EGONE):
		handler.ErrorResponse(w, r, err)
		return
	default:
		logger.Warn("payment not completed after redirect", "error", err, "code", domain.ErrorCode(err))
		dest.Set("result", "failed")
		if reason := service.FailureReason(err); reason != "" {
			dest.Set("reason", string(reason))
		}
	}

	http.Redirect(w, r, h.pagePath+"?"+dest.Encode(), http.StatusSeeOther)
}

// SuggestAddresses handles GET /api/address/suggest?q=
func (h *Handler) SuggestAddresses(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SuggestAddresses(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

// ValidateAddress handles POST /api/address/validate
func (h *Handler) ValidateAddress(w http.ResponseWriter, r *http.Request) {
	var addr domain.Address
	if err := handler.DecodeJSON(r, &addr); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	res, err := h.svc.ValidateAddress(r.Context(), addr)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

// SearchNumbers handles POST /api/numbers/search
func (h *Handler) SearchNumbers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AreaCode string `json:"area_code"`
		Limit    int    `json:"limit"`
	}
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	found, err := h.svc.SearchNumbers(r.Context(), req.AreaCode, req.Limit)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if found == nil {
		found = []numbers.AvailableNumber{}
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"area_code": req.AreaCode,
		"numbers":   found,
		"count":     len(found),
	})
}

// CheckPortability handles POST /api/numbers/portability
func (h *Handler) CheckPortability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number string `json:"number"`
	}
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	res, warnings, err := h.svc.CheckPortability(r.Context(), req.Number)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, struct {
		*numbers.Portability
		Warnings []string `json:"warnings,omitempty"`
	}{res, warnings})
}

// ValidateEmail handles POST /api/contact/email
func (h *Handler) ValidateEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	res, err := h.svc.ValidateEmail(r.Context(), req.Email)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}
