package payment

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/pix-storefront/internal/resilience"
)

const (
	payevoName           = "payevo"
	payevoDefaultBaseURL = "https://apiv2.payevo.com.br"
	payevoDefaultMinimum = 100
)

var payevoVocabulary = extendVocabulary(Vocabulary{
	"waiting_payment": StatusPending,
	"pending":         StatusPending,
	"processing":      StatusPending,
	"authorized":      StatusPending,
	"refunded":        StatusCanceled,
	"chargedback":     StatusCanceled,
})

// PayevoCustomer is sent with every transaction; Payevo rejects PIX
// transactions without a customer block.
type PayevoCustomer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document,omitempty"`
}

// Payevo authenticates with HTTP Basic using the secret key and "x".
type Payevo struct {
	BaseURL   string
	SecretKey string
	MinAmount int64
	Customer  PayevoCustomer
	HTTP      resilience.HTTPClient
}

type payevoItem struct {
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Tangible  bool   `json:"tangible"`
}

type payevoCreate struct {
	Amount        int64           `json:"amount"`
	Description   string          `json:"description,omitempty"`
	PaymentMethod string          `json:"paymentMethod"`
	PostbackURL   string          `json:"postbackUrl,omitempty"`
	Items         []payevoItem    `json:"items"`
	Customer      *PayevoCustomer `json:"customer,omitempty"`
}

type payevoPix struct {
	QRCode         string     `json:"qrcode"`
	ExpirationDate string     `json:"expirationDate"`
	End2EndID      flexString `json:"end2EndId"`
}

type payevoTransaction struct {
	ID     flexString `json:"id"`
	Status string     `json:"status"`
	Amount flexInt    `json:"amount"`
	PaidAt string     `json:"paidAt"`
	Pix    payevoPix  `json:"pix"`
}

// payevoEnvelope covers both the bare and the {"data": {...}} shapes.
type payevoEnvelope struct {
	payevoTransaction
	Type string             `json:"type"`
	Data *payevoTransaction `json:"data"`
}

func (e payevoEnvelope) transaction() payevoTransaction {
	if e.Data != nil && e.Data.ID != "" {
		return *e.Data
	}
	return e.payevoTransaction
}

func (p Payevo) Name() string { return payevoName }

func (p Payevo) MinimumAmount() int64 {
	if p.MinAmount > 0 {
		return p.MinAmount
	}
	return payevoDefaultMinimum
}

func (p Payevo) SupportsSplit() bool { return false }

func (p Payevo) api() apiClient {
	base := p.BaseURL
	if strings.TrimSpace(base) == "" {
		base = payevoDefaultBaseURL
	}
	return apiClient{provider: payevoName, baseURL: base, http: p.HTTP}
}

func (p Payevo) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.SecretKey+":x")))
	return h
}

// CreateCharge calls POST /functions/v1/transactions with paymentMethod PIX.
func (p Payevo) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	title := req.Description
	if strings.TrimSpace(title) == "" {
		title = "PIX"
	}
	body := payevoCreate{
		Amount:        req.AmountMinor,
		Description:   req.Description,
		PaymentMethod: "PIX",
		PostbackURL:   req.CallbackURL,
		Items:         []payevoItem{{Title: title, UnitPrice: req.AmountMinor, Quantity: 1}},
	}
	if p.Customer.Name != "" || p.Customer.Email != "" {
		customer := p.Customer
		body.Customer = &customer
	}
	api := p.api()
	resp, err := api.call(ctx, opCreateCharge, http.MethodPost, "/functions/v1/transactions", p.headers(), body)
	if err != nil {
		return Charge{}, err
	}
	var env payevoEnvelope
	raw, err := api.decode(resp.Body, &env)
	if err != nil {
		return Charge{}, err
	}
	tx := env.transaction()
	if tx.ID == "" || tx.Pix.QRCode == "" {
		return Charge{}, &ProviderError{Provider: payevoName, StatusCode: resp.StatusCode, Detail: "response missing id or pix.qrcode"}
	}
	return Charge{
		ID:          string(tx.ID),
		Provider:    payevoName,
		AmountMinor: req.AmountMinor,
		Description: req.Description,
		Status:      StatusCreated,
		ExpiresAt:   parseTimestamp(tx.Pix.ExpirationDate),
		Pix:         PixPayload{Code: tx.Pix.QRCode},
		ProviderRaw: raw,
	}, nil
}

// FetchStatus calls GET /functions/v1/transactions/{id}.
func (p Payevo) FetchStatus(ctx context.Context, chargeID string) (StatusReport, error) {
	api := p.api()
	resp, err := api.call(ctx, "fetch_status", http.MethodGet, "/functions/v1/transactions/"+url.PathEscape(chargeID), p.headers(), nil)
	if err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrNotFound
		}
		return StatusReport{}, err
	}
	var env payevoEnvelope
	raw, err := api.decode(resp.Body, &env)
	if err != nil {
		return StatusReport{}, err
	}
	tx := env.transaction()
	id := string(tx.ID)
	if id == "" {
		id = chargeID
	}
	paidAt := parseTimestamp(tx.PaidAt)
	return StatusReport{
		ChargeID:    id,
		Status:      payevoVocabulary.Normalise(tx.Status, paidAt != nil),
		PaidAt:      paidAt,
		AmountMinor: int64(tx.Amount),
		Raw:         raw,
	}, nil
}

// ParseWebhook handles {"type":"transaction","data":{...}} postbacks.
func (p Payevo) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	fields, err := decodeWebhookFields(header, body)
	if err != nil {
		return WebhookEvent{}, invalidPayload(payevoName, "%v", err)
	}
	if kind := firstString(fields, "type"); kind != "" && !strings.EqualFold(kind, "transaction") {
		return WebhookEvent{}, invalidPayload(payevoName, "unsupported postback type %q", kind)
	}
	id := firstString(fields, "data.id", "objectId", "id")
	if id == "" {
		return WebhookEvent{}, invalidPayload(payevoName, "missing transaction id")
	}
	rawStatus := firstString(fields, "data.status", "status")
	paidAtRaw := firstString(fields, "data.paidAt", "paidAt")
	paidAt := parseTimestamp(paidAtRaw)
	if paidAt == nil && paidAtRaw != "" {
		// present but unparsable still proves payment
		now := time.Now().UTC()
		paidAt = &now
	}
	if rawStatus == "" && paidAt == nil {
		return WebhookEvent{}, invalidPayload(payevoName, "missing status")
	}
	return WebhookEvent{
		ChargeID: id,
		Status:   payevoVocabulary.Normalise(rawStatus, paidAt != nil),
		PaidAt:   paidAt,
		Raw:      fields,
	}, nil
}
