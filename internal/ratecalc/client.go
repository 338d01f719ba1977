// Package ratecalc calls the external rate calculator that prices parcels and actions
// into an authoritative payment schedule.
package ratecalc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const calculatePath = "/payments/calculate"

// Client calls the rate calculator
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a rate calculator client. A zero timeout keeps the transport default.
func NewClient(cfg config.RateCalculatorConfig) *Client {
	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Token:   cfg.Token,
		HTTP:    &http.Client{Timeout: cfg.Timeout},
	}
}

type calculateResponse struct {
	Payment json.RawMessage `json:"payment"`
}

// CalculateForApplications groups normalized action applications and prices them
func (c *Client) CalculateForApplications(ctx context.Context, applications []models.ActionApplication) (*models.Payment, error) {
	return c.Calculate(ctx, GroupActions(ActionsFromApplications(applications)))
}

// Calculate sends one grouped request and returns the calculator's payment
func (c *Client) Calculate(ctx context.Context, request Request) (*models.Payment, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal rate calculator request")
	}

	url := c.BaseURL + calculatePath
	log.Debug().Str("url", url).RawJSON("payload", body).Msg("Calling rate calculator")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build rate calculator request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, apperrors.Unreachable(err, "rate calculator request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Unreachable(err, "failed to read rate calculator response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.External(resp.StatusCode, string(respBody), "rate calculator returned an error")
	}

	log.Debug().Int("status", resp.StatusCode).Int("bytes", len(respBody)).Msg("Rate calculator responded")

	var parsed calculateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperrors.External(resp.StatusCode, string(respBody), "rate calculator response is not valid JSON")
	}
	if len(parsed.Payment) == 0 || string(parsed.Payment) == "null" {
		return nil, apperrors.External(resp.StatusCode, string(respBody), "rate calculator response has no payment")
	}

	var calculated models.Payment
	if err := json.Unmarshal(parsed.Payment, &calculated); err != nil {
		return nil, apperrors.External(resp.StatusCode, string(respBody), "rate calculator payment is malformed")
	}

	return &models.Payment{
		AgreementStartDate:  calculated.AgreementStartDate,
		AgreementEndDate:    calculated.AgreementEndDate,
		Frequency:           calculated.Frequency,
		AgreementTotalPence: calculated.AgreementTotalPence,
		AnnualTotalPence:    calculated.AnnualTotalPence,
		ParcelItems:         calculated.ParcelItems,
		AgreementLevelItems: calculated.AgreementLevelItems,
		Payments:            calculated.Payments,
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}
