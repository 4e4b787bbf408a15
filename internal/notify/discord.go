package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/resilience"
)

const (
	confirmedColor = 0x00ff00
	footerText     = "HotStore"
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type discordPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// paidPayload mirrors the charge.paid event body.
type paidPayload struct {
	ChargeID    string `json:"chargeId"`
	Provider    string `json:"provider"`
	AmountMinor int64  `json:"amountMinor"`
	Description string `json:"description"`
}

// Discord posts a payment-confirmed embed to a Discord webhook for every
// charge.paid event. Other topics are ignored. An empty URL disables it.
type Discord struct {
	URL    string
	HTTP   *resilience.HTTPClient
	Logger zerolog.Logger
}

// Notify implements events.Notifier.
func (d Discord) Notify(ctx context.Context, ev events.Event) error {
	if strings.TrimSpace(d.URL) == "" || ev.Topic != events.TopicChargePaid {
		return nil
	}
	ctx, span := otel.Tracer("notify.Discord").Start(ctx, "Discord.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.topic", ev.Topic))

	var paid paidPayload
	if err := json.Unmarshal(ev.Payload, &paid); err != nil {
		return fmt.Errorf("notify: decode %s payload: %w", ev.Topic, err)
	}
	body, err := json.Marshal(paymentConfirmed(paid, ev.OccurredAt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := resilience.HTTPClient{Client: http.DefaultClient, MaxAttempts: 1, Target: "discord"}
	if d.HTTP != nil {
		client = *d.HTTP
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify: discord: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: discord answered %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	d.Logger.Info().Str("charge_id", paid.ChargeID).Msg("discord_notified")
	return nil
}

func paymentConfirmed(p paidPayload, at time.Time) discordPayload {
	fields := []embedField{
		{Name: "Valor", Value: formatBRL(p.AmountMinor), Inline: true},
		{Name: "ID da Transação", Value: p.ChargeID, Inline: true},
	}
	if p.Description != "" {
		fields = append(fields, embedField{Name: "Produto", Value: p.Description})
	}
	if p.Provider != "" {
		fields = append(fields, embedField{Name: "Provedor", Value: p.Provider, Inline: true})
	}
	if at.IsZero() {
		at = time.Now()
	}
	return discordPayload{
		Content: "**Novo pagamento confirmado!**",
		Embeds: []embed{{
			Title:       "Pagamento Confirmado!",
			Description: "Um novo pagamento foi recebido e confirmado.",
			Color:       confirmedColor,
			Fields:      fields,
			Timestamp:   at.UTC().Format(time.RFC3339),
			Footer:      &embedFooter{Text: footerText},
		}},
	}
}

// formatBRL renders centavos the pt-BR way, e.g. "R$ 1.234,56".
func formatBRL(minor int64) string {
	p := message.NewPrinter(language.BrazilianPortuguese)
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return p.Sprintf("%sR$ %.2f", sign, float64(minor)/100)
}
