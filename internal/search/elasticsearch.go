package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient keeps a searchable projection of each agreement's current version
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. A disabled client indexes nothing.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{config: cfg}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// Enabled reports whether documents are written to Elasticsearch
func (c *ElasticClient) Enabled() bool {
	return c != nil && c.client != nil
}

// Document builds the indexed document for an agreement view
func Document(view models.AgreementView) map[string]interface{} {
	codes := make([]string, 0, len(view.ActionApplications))
	parcels := make([]string, 0, len(view.ActionApplications))
	seen := map[string]bool{}
	for _, app := range view.ActionApplications {
		if app.Code != "" && !seen["code:"+app.Code] {
			seen["code:"+app.Code] = true
			codes = append(codes, app.Code)
		}
		if parcel := app.SheetID + " " + app.ParcelID; app.SheetID != "" && !seen["parcel:"+parcel] {
			seen["parcel:"+parcel] = true
			parcels = append(parcels, parcel)
		}
	}

	doc := map[string]interface{}{
		"agreement_number":      view.AgreementNumber,
		"frn":                   view.FRN,
		"sbi":                   view.SBI,
		"version":               view.Version,
		"status":                view.Status,
		"client_ref":            view.ClientRef,
		"correlation_id":        view.CorrelationID,
		"code":                  view.Code,
		"scheme":                view.Scheme,
		"agreement_name":        view.AgreementName,
		"start_date":            view.Payment.AgreementStartDate,
		"end_date":              view.Payment.AgreementEndDate,
		"annual_total_pence":    view.Payment.AnnualTotalPence,
		"agreement_total_pence": view.Payment.AgreementTotalPence,
		"action_codes":          codes,
		"parcels":               parcels,
		"created_at":            view.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":            view.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if view.SignatureDate != nil {
		doc["signature_date"] = view.SignatureDate.UTC().Format(time.RFC3339)
	}
	return doc
}

// IndexAgreement writes the current view, replacing the previous version's document
func (c *ElasticClient) IndexAgreement(ctx context.Context, view models.AgreementView) error {
	if !c.Enabled() {
		return nil
	}

	docJSON, err := json.Marshal(Document(view))
	if err != nil {
		return errors.Wrap(err, "failed to marshal agreement document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: view.AgreementNumber,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("agreement_number", view.AgreementNumber).Int("version", view.Version).Msg("agreement indexed")
	return nil
}

// SearchAgreements runs a term query over the indexed fields, e.g. {"sbi": "106284736", "status": "accepted"}
func (c *ElasticClient) SearchAgreements(ctx context.Context, terms map[string]string, size int) ([]map[string]interface{}, error) {
	if !c.Enabled() {
		return nil, errors.New("search is disabled")
	}

	filters := make([]map[string]interface{}, 0, len(terms))
	for field, value := range terms {
		if value == "" {
			continue
		}
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{field + ".keyword": value},
		})
	}
	query := map[string]interface{}{
		"size": size,
		"sort": []interface{}{map[string]interface{}{"updated_at": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{config.FormatIndex(c.config, c.config.Index)},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		if hit.Source != nil {
			docs = append(docs, hit.Source)
		}
	}
	return docs, nil
}
