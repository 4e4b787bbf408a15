package payment

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/pix-storefront/internal/common"
)

// Handler exposes charge creation and status reads.
type Handler struct {
	Svc       *Service
	Validator *validator.Validate
}

type splitRuleReq struct {
	Value     int64  `json:"value" validate:"gt=0"`
	AccountID string `json:"accountId" validate:"required"`
}

type createChargeReq struct {
	AmountMinor int64          `json:"amountMinor" validate:"gt=0"`
	Description string         `json:"description" validate:"max=255"`
	SplitRules  []splitRuleReq `json:"splitRules" validate:"omitempty,max=10,dive"`
	ItemID      string         `json:"itemId" validate:"max=128"`
}

type pixPayloadResp struct {
	Code    string `json:"code"`
	QRImage string `json:"qrImage,omitempty"`
}

type createChargeResp struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	AmountMinor int64          `json:"amountMinor"`
	Provider    string         `json:"provider"`
	PixPayload  pixPayloadResp `json:"pixPayload"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
}

type chargeStatusResp struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
	AmountMinor    int64      `json:"amountMinor"`
	Provider       string     `json:"provider"`
	DeliverableURL string     `json:"deliverableUrl,omitempty"`
}

func statusResponse(c Charge) chargeStatusResp {
	resp := chargeStatusResp{
		ID:          c.ID,
		Status:      c.Status,
		AmountMinor: c.AmountMinor,
		Provider:    c.Provider,
	}
	if c.Status == StatusPaid {
		resp.PaidAt = c.PaidAt
		if c.DeliverableReleased {
			resp.DeliverableURL = c.DeliverableURL
		}
	}
	return resp
}

func (h *Handler) validate(v any) error {
	if h.Validator == nil {
		return nil
	}
	err := h.Validator.Struct(v)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: jsonField(fe.Namespace()), Reason: "failed " + fe.Tag() + " check"}
	}
	return err
}

// jsonField drops the struct name from a validator namespace.
func jsonField(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Create handles POST /charges.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req createChargeReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	in := CreateChargeInput{
		AmountMinor: req.AmountMinor,
		Description: req.Description,
		ItemID:      strings.TrimSpace(req.ItemID),
	}
	for _, rule := range req.SplitRules {
		in.SplitRules = append(in.SplitRules, SplitRule{Value: rule.Value, AccountID: strings.TrimSpace(rule.AccountID)})
	}
	c, err := h.Svc.CreateCharge(r.Context(), in)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusCreated, createChargeResp{
		ID:          c.ID,
		Status:      c.Status,
		AmountMinor: c.AmountMinor,
		Provider:    c.Provider,
		PixPayload:  pixPayloadResp{Code: c.Pix.Code, QRImage: c.Pix.QRImage},
		ExpiresAt:   c.ExpiresAt,
	})
}

// Status handles GET /charges/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id is required", nil)
		return
	}
	c, err := h.Svc.Status(r.Context(), id)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, statusResponse(c))
}

type simulateReq struct {
	Status string `json:"status" validate:"required"`
}

// Simulate handles POST /dev/charges/{id}/status. Only mounted outside production.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req simulateReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	status, ok := ParseStatus(req.Status)
	if !ok {
		common.WriteError(w, toAppError(validationErr("status", "unknown status %q", req.Status)))
		return
	}
	c, err := h.Svc.SimulateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, statusResponse(c))
}
