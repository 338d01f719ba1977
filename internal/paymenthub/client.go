package paymenthub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/apperrors"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Tokens supplies bearer tokens for the payment hub
type Tokens interface {
	Token(ctx context.Context) (string, error)
}

// Dispatcher sends payment requests to the payment hub
type Dispatcher struct {
	enabled bool
	url     string
	tokens  Tokens
	http    *http.Client
}

// NewDispatcher creates a dispatcher. When payment_hub.enabled is false it runs dry.
func NewDispatcher(cfg config.PaymentHubConfig, tokens Tokens) *Dispatcher {
	return &Dispatcher{
		enabled: cfg.Enabled,
		url:     cfg.URL,
		tokens:  tokens,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Dispatch posts the request. In dry-run mode the payload is logged and nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, request *Request) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payment request")
	}

	if !d.enabled {
		log.Info().
			Str("agreement_number", request.AgreementNumber).
			Str("invoice_number", request.InvoiceNumber).
			RawJSON("payload", body).
			Msg("Payment hub disabled, skipping dispatch")
		return nil
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return apperrors.Internal(err, "failed to obtain payment hub token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build payment hub request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.http.Do(req)
	if err != nil {
		return apperrors.Unreachable(err, "payment hub request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return apperrors.External(resp.StatusCode, string(respBody), "payment hub rejected invoice %s", request.InvoiceNumber)
	}

	log.Info().
		Str("agreement_number", request.AgreementNumber).
		Str("invoice_number", request.InvoiceNumber).
		Int("status", resp.StatusCode).
		Msg("Payment request dispatched")
	return nil
}
