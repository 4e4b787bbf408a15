package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/common"
)

// Webhook acknowledges provider callbacks. Providers retry on anything but
// 200, so every outcome, including rejected payloads, answers 200.
type Webhook struct {
	Svc *Service
	// Replay, when set, drops byte-identical redeliveries inside ReplayTTL
	// before they reach the store.
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle serves POST /webhooks/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	defer common.JSON(w, http.StatusOK, webhookAck{Received: true})

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	log := h.Logger.With().Str("provider", provider).Logger()
	if h.Svc == nil {
		log.Error().Msg("webhook_unconfigured")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn().Err(err).Str("webhook_result", "invalid_payload").Msg("webhook_invalid_payload")
		return
	}
	key, dup, err := h.duplicate(r.Context(), provider, body)
	if err != nil {
		log.Warn().Err(err).Msg("webhook_replay_check_failed")
	} else if dup {
		log.Info().Str("webhook_result", "duplicate").Msg("webhook_duplicate")
		return
	}

	c, err := h.Svc.IngestWebhook(r.Context(), provider, r.Header, body)
	var parseErr *WebhookParseError
	switch {
	case err == nil:
		log.Info().
			Str("charge_id", c.ID).
			Str("status", string(c.Status)).
			Bool("released", c.DeliverableReleased).
			Str("webhook_result", "ingested").
			Msg("webhook_ingested")
	case errors.Is(err, ErrUnknownProvider):
		log.Warn().Err(err).Str("webhook_result", "unknown_provider").Msg("webhook_unknown_provider")
	case errors.As(err, &parseErr):
		log.Warn().Err(err).Str("webhook_result", "invalid_payload").Msg("webhook_invalid_payload")
	default:
		log.Error().Err(err).Str("webhook_result", "store_error").Msg("webhook_store_failed")
		// the redelivery must get through
		h.forget(r.Context(), key, log)
	}
}

// duplicate marks body as seen and reports whether it already was. key is
// empty when replay detection is off.
func (h Webhook) duplicate(ctx context.Context, provider string, body []byte) (string, bool, error) {
	if h.Replay == nil || h.ReplayTTL <= 0 || len(body) == 0 {
		return "", false, nil
	}
	key := fmt.Sprintf("wh:%s:%s", provider, common.Sha256HexBytes(body))
	fresh, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
	if err != nil {
		return "", false, err
	}
	return key, !fresh, nil
}

func (h Webhook) forget(ctx context.Context, key string, log zerolog.Logger) {
	if key == "" {
		return
	}
	if err := h.Replay.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		log.Warn().Err(err).Msg("webhook_replay_release_failed")
	}
}
