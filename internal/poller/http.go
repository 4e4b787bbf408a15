package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/pix-storefront/internal/payment"
	"github.com/noah-isme/pix-storefront/internal/resilience"
)

// HTTPFetcher reads GET {BaseURL}/charges/{id} from the API.
type HTTPFetcher struct {
	BaseURL string
	HTTP    resilience.HTTPClient
}

type chargeStatusBody struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	PaidAt         *time.Time `json:"paidAt"`
	DeliverableURL string     `json:"deliverableUrl"`
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, chargeID string) (Snapshot, error) {
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/charges/" + url.PathEscape(chargeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	client := f.HTTP
	if client.Client == nil {
		client.Client = http.DefaultClient
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Snapshot{}, fmt.Errorf("poller: status endpoint answered %s", resp.Status)
	}
	var body chargeStatusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("poller: decode status: %w", err)
	}
	status, ok := payment.ParseStatus(body.Status)
	if !ok {
		return Snapshot{}, fmt.Errorf("poller: unknown status %q", body.Status)
	}
	return Snapshot{
		ChargeID:       chargeID,
		Status:         status,
		PaidAt:         body.PaidAt,
		DeliverableURL: body.DeliverableURL,
	}, nil
}
