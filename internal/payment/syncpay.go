package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/pix-storefront/internal/resilience"
)

const (
	syncPayName           = "syncpay"
	syncPayDefaultBaseURL = "https://api.syncpayments.com.br"
	syncPayDefaultMinimum = 1
	// tokens are refreshed this long before the upstream expiry
	syncPayTokenMargin = 300 * time.Second
	// used when the auth response carries no expires_in
	syncPayDefaultTokenTTL = time.Hour
)

var syncPayVocabulary = extendVocabulary(Vocabulary{
	"pending":    StatusPending,
	"processing": StatusPending,
})

// SyncPay uses short-lived bearer tokens obtained with client credentials.
// Amounts travel in reais. Use NewSyncPay; the zero value has no token cache.
type SyncPay struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookToken string
	MinAmount    int64
	HTTP         resilience.HTTPClient
	Now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSyncPay returns an adapter with an empty token cache.
func NewSyncPay(baseURL, clientID, clientSecret, webhookToken string, client resilience.HTTPClient) *SyncPay {
	return &SyncPay{
		BaseURL:      baseURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		WebhookToken: webhookToken,
		HTTP:         client,
	}
}

type syncPayAuthRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type syncPayAuthResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   flexInt `json:"expires_in"`
}

type syncPayCashIn struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	WebhookURL  string  `json:"webhook_url,omitempty"`
}

type syncPayCashInResponse struct {
	Identifier flexString `json:"identifier"`
	PixCode    string     `json:"pix_code"`
}

type syncPayTransaction struct {
	ReferenceID     flexString `json:"reference_id"`
	Identifier      flexString `json:"identifier"`
	Status          string     `json:"status"`
	Amount          float64    `json:"amount"`
	TransactionDate string     `json:"transaction_date"`
}

type syncPayStatusEnvelope struct {
	syncPayTransaction
	Data *syncPayTransaction `json:"data"`
}

func (s *SyncPay) Name() string { return syncPayName }

func (s *SyncPay) MinimumAmount() int64 {
	if s.MinAmount > 0 {
		return s.MinAmount
	}
	return syncPayDefaultMinimum
}

func (s *SyncPay) SupportsSplit() bool { return false }

func (s *SyncPay) api() apiClient {
	base := s.BaseURL
	if strings.TrimSpace(base) == "" {
		base = syncPayDefaultBaseURL
	}
	return apiClient{provider: syncPayName, baseURL: base, http: s.HTTP}
}

func (s *SyncPay) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// accessToken returns the cached token or requests a new one. The lock is
// held across the refresh so concurrent callers share a single auth call.
func (s *SyncPay) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.tokenExpiry) {
		return s.token, nil
	}
	api := s.api()
	resp, err := api.call(ctx, "auth", http.MethodPost, "/api/partner/v1/auth-token", nil, syncPayAuthRequest{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
	})
	if err != nil {
		return "", err
	}
	var auth syncPayAuthResponse
	if _, err := api.decode(resp.Body, &auth); err != nil {
		return "", err
	}
	if auth.AccessToken == "" {
		return "", &ProviderError{Provider: syncPayName, StatusCode: resp.StatusCode, Detail: "auth response missing access_token"}
	}
	s.token = auth.AccessToken
	s.tokenExpiry = s.now().Add(tokenLifetime(time.Duration(auth.ExpiresIn) * time.Second))
	return s.token, nil
}

// tokenLifetime keeps a refresh margin before the advertised expiry without
// letting short-lived tokens drop to zero or below.
func tokenLifetime(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = syncPayDefaultTokenTTL
	}
	return max(ttl-syncPayTokenMargin, ttl/2)
}

func (s *SyncPay) invalidateToken() {
	s.mu.Lock()
	s.token = ""
	s.tokenExpiry = time.Time{}
	s.mu.Unlock()
}

// authorisedCall retries once with a fresh token when SyncPay answers 401.
func (s *SyncPay) authorisedCall(ctx context.Context, op, method, path string, in any) (apiResponse, error) {
	for attempt := 0; ; attempt++ {
		token, err := s.accessToken(ctx)
		if err != nil {
			return apiResponse{}, err
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		resp, err := s.api().call(ctx, op, method, path, h, in)
		var pe *ProviderError
		if attempt == 0 && errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized {
			s.invalidateToken()
			continue
		}
		return resp, err
	}
}

// CreateCharge calls POST /api/partner/v1/cash-in.
func (s *SyncPay) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	resp, err := s.authorisedCall(ctx, opCreateCharge, http.MethodPost, "/api/partner/v1/cash-in", syncPayCashIn{
		Amount:      minorToReais(req.AmountMinor),
		Description: req.Description,
		WebhookURL:  req.CallbackURL,
	})
	if err != nil {
		return Charge{}, err
	}
	var out syncPayCashInResponse
	raw, err := s.api().decode(resp.Body, &out)
	if err != nil {
		return Charge{}, err
	}
	if out.Identifier == "" || out.PixCode == "" {
		return Charge{}, &ProviderError{Provider: syncPayName, StatusCode: resp.StatusCode, Detail: "response missing identifier or pix_code"}
	}
	return Charge{
		ID:          string(out.Identifier),
		Provider:    syncPayName,
		AmountMinor: req.AmountMinor,
		Description: req.Description,
		Status:      StatusCreated,
		Pix:         PixPayload{Code: out.PixCode},
		ProviderRaw: raw,
	}, nil
}

// FetchStatus calls GET /api/partner/v1/transaction/{id}.
func (s *SyncPay) FetchStatus(ctx context.Context, chargeID string) (StatusReport, error) {
	resp, err := s.authorisedCall(ctx, "fetch_status", http.MethodGet, "/api/partner/v1/transaction/"+url.PathEscape(chargeID), nil)
	if err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrNotFound
		}
		return StatusReport{}, err
	}
	var env syncPayStatusEnvelope
	raw, err := s.api().decode(resp.Body, &env)
	if err != nil {
		return StatusReport{}, err
	}
	tx := env.syncPayTransaction
	if env.Data != nil {
		tx = *env.Data
	}
	if tx.Status == "" {
		return StatusReport{}, &ProviderError{Provider: syncPayName, StatusCode: resp.StatusCode, Detail: "response missing status"}
	}
	return StatusReport{
		ChargeID:    chargeID,
		Status:      syncPayVocabulary.Normalise(tx.Status, false),
		AmountMinor: reaisToMinor(tx.Amount),
		Raw:         raw,
	}, nil
}

// ParseWebhook accepts the several id and status field spellings SyncPay
// has used. When a webhook token is configured it must match.
func (s *SyncPay) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	if s.WebhookToken != "" && !s.tokenMatches(header) {
		return WebhookEvent{}, invalidPayload(syncPayName, "webhook token mismatch")
	}
	fields, err := decodeWebhookFields(header, body)
	if err != nil {
		return WebhookEvent{}, invalidPayload(syncPayName, "%v", err)
	}
	id := firstString(fields, "identifier", "reference_id", "id", "data.identifier", "data.reference_id", "data.id")
	if id == "" {
		return WebhookEvent{}, invalidPayload(syncPayName, "missing identifier")
	}
	rawStatus := firstString(fields, "status", "data.status")
	if rawStatus == "" {
		return WebhookEvent{}, invalidPayload(syncPayName, "missing status")
	}
	return WebhookEvent{
		ChargeID: id,
		Status:   syncPayVocabulary.Normalise(rawStatus, false),
		Raw:      fields,
	}, nil
}

func (s *SyncPay) tokenMatches(header http.Header) bool {
	candidates := []string{
		header.Get("X-SyncPay-Token"),
		strings.TrimPrefix(header.Get("Authorization"), "Bearer "),
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(s.WebhookToken)) == 1 {
			return true
		}
	}
	return false
}
