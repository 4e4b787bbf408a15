package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/pix-storefront/internal/resilience"
)

const (
	pushinPayName           = "pushinpay"
	pushinPayDefaultBaseURL = "https://api.pushinpay.com.br"
	pushinPayDefaultMinimum = 50
)

var pushinPayVocabulary = extendVocabulary(Vocabulary{
	"created": StatusCreated,
	"pending": StatusPending,
})

// PushinPay creates PIX cash-in charges with optional split rules.
type PushinPay struct {
	BaseURL   string
	Token     string
	MinAmount int64
	HTTP      resilience.HTTPClient
}

type pushinPaySplit struct {
	Value     int64  `json:"value"`
	AccountID string `json:"account_id"`
}

type pushinPayCashIn struct {
	Value      int64            `json:"value"`
	WebhookURL string           `json:"webhook_url,omitempty"`
	SplitRules []pushinPaySplit `json:"split_rules,omitempty"`
}

type pushinPayTransaction struct {
	ID           flexString `json:"id"`
	QRCode       string     `json:"qr_code"`
	QRCodeBase64 string     `json:"qr_code_base64"`
	Status       string     `json:"status"`
	Value        flexInt    `json:"value"`
	EndToEndID   flexString `json:"end_to_end_id"`
	PayerName    string     `json:"payer_name"`
}

func (p PushinPay) Name() string { return pushinPayName }

func (p PushinPay) MinimumAmount() int64 {
	if p.MinAmount > 0 {
		return p.MinAmount
	}
	return pushinPayDefaultMinimum
}

func (p PushinPay) SupportsSplit() bool { return true }

func (p PushinPay) api() apiClient {
	base := p.BaseURL
	if strings.TrimSpace(base) == "" {
		base = pushinPayDefaultBaseURL
	}
	return apiClient{provider: pushinPayName, baseURL: base, http: p.HTTP}
}

func (p PushinPay) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.Token)
	return h
}

// CreateCharge calls POST /api/pix/cashIn.
func (p PushinPay) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	body := pushinPayCashIn{Value: req.AmountMinor, WebhookURL: req.CallbackURL}
	for _, r := range req.SplitRules {
		body.SplitRules = append(body.SplitRules, pushinPaySplit{Value: r.Value, AccountID: r.AccountID})
	}
	api := p.api()
	resp, err := api.call(ctx, opCreateCharge, http.MethodPost, "/api/pix/cashIn", p.headers(), body)
	if err != nil {
		return Charge{}, err
	}
	var tx pushinPayTransaction
	raw, err := api.decode(resp.Body, &tx)
	if err != nil {
		return Charge{}, err
	}
	if tx.ID == "" || tx.QRCode == "" {
		return Charge{}, &ProviderError{Provider: pushinPayName, StatusCode: resp.StatusCode, Detail: "response missing id or qr_code"}
	}
	return Charge{
		ID:          normalisePushinPayID(string(tx.ID)),
		Provider:    pushinPayName,
		AmountMinor: req.AmountMinor,
		Description: req.Description,
		Status:      StatusCreated,
		Pix:         PixPayload{Code: tx.QRCode, QRImage: dataURI(tx.QRCodeBase64)},
		ProviderRaw: raw,
	}, nil
}

// FetchStatus calls GET /api/transactions/{id}. PushinPay answers unknown ids
// with 404 or an empty array.
func (p PushinPay) FetchStatus(ctx context.Context, chargeID string) (StatusReport, error) {
	api := p.api()
	resp, err := api.call(ctx, "fetch_status", http.MethodGet, "/api/transactions/"+url.PathEscape(chargeID), p.headers(), nil)
	if err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrNotFound
		}
		return StatusReport{}, err
	}
	trimmed := bytes.TrimSpace(resp.Body)
	if bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null")) {
		return StatusReport{}, ErrNotFound
	}
	var tx pushinPayTransaction
	raw, err := api.decode(trimmed, &tx)
	if err != nil {
		return StatusReport{}, err
	}
	id := string(tx.ID)
	if id == "" {
		id = chargeID
	}
	return StatusReport{
		ChargeID:    normalisePushinPayID(id),
		Status:      pushinPayVocabulary.Normalise(tx.Status, tx.EndToEndID != ""),
		AmountMinor: int64(tx.Value),
		Raw:         raw,
	}, nil
}

// ParseWebhook accepts JSON and form-encoded bodies.
func (p PushinPay) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	fields, err := decodeWebhookFields(header, body)
	if err != nil {
		return WebhookEvent{}, invalidPayload(pushinPayName, "%v", err)
	}
	id := firstString(fields, "id", "transaction_id")
	if id == "" {
		return WebhookEvent{}, invalidPayload(pushinPayName, "missing id")
	}
	rawStatus := firstString(fields, "status")
	proof := firstString(fields, "end_to_end_id") != ""
	if rawStatus == "" && !proof {
		return WebhookEvent{}, invalidPayload(pushinPayName, "missing status")
	}
	return WebhookEvent{
		ChargeID: normalisePushinPayID(id),
		Status:   pushinPayVocabulary.Normalise(rawStatus, proof),
		Raw:      fields,
	}, nil
}

// PushinPay ids are UUIDs whose case differs between create responses and
// webhooks.
func normalisePushinPayID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func dataURI(b64 string) string {
	b64 = strings.TrimSpace(b64)
	if b64 == "" || strings.HasPrefix(b64, "data:") || strings.HasPrefix(b64, "http") {
		return b64
	}
	return "data:image/png;base64," + b64
}

// decodeWebhookFields decodes a JSON object or a urlencoded form into a map.
func decodeWebhookFields(header http.Header, body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errEmptyBody
	}
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || (trimmed[0] != '{' && bytes.Contains(trimmed, []byte("="))) {
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(values))
		for k := range values {
			out[k] = values.Get(k)
		}
		return out, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errEmptyBody
	}
	return out, nil
}

// NormaliseID implements IDNormaliser. PushinPay ids are case-insensitive.
func (p PushinPay) NormaliseID(id string) string { return normalisePushinPayID(id) }
