package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testView() models.AgreementView {
	signed := time.Date(2025, 9, 2, 10, 0, 0, 0, time.UTC)
	return models.AgreementView{
		AgreementNumber: "FPTT123456789",
		SBI:             "106284736",
		Version:         2,
		Status:          models.StatusAccepted,
		ActionApplications: []models.ActionApplication{
			{Code: "CMOR1", SheetID: "AB1234", ParcelID: "10001"},
			{Code: "UPL1", SheetID: "AB1234", ParcelID: "10001"},
			{Code: "CMOR1", SheetID: "AB1234", ParcelID: "10002"},
		},
		Payment:       models.Payment{AgreementStartDate: "2025-09-01", AnnualTotalPence: 35150},
		SignatureDate: &signed,
	}
}

// elasticServer answers like an Elasticsearch 7 node and records the last request
func elasticServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version":{"number":"7.17.10","build_flavor":"default"},"tagline":"You Know, for Search"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDocument(t *testing.T) {
	doc := Document(testView())

	assert.Equal(t, "FPTT123456789", doc["agreement_number"])
	assert.Equal(t, []string{"CMOR1", "UPL1"}, doc["action_codes"])
	assert.Equal(t, []string{"AB1234 10001", "AB1234 10002"}, doc["parcels"])
	assert.Equal(t, int64(35150), doc["annual_total_pence"])
	assert.Equal(t, "2025-09-02T10:00:00Z", doc["signature_date"])
}

func TestIndexAgreement(t *testing.T) {
	var path, refresh string
	var body map[string]interface{}
	server := elasticServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		refresh = r.URL.Query().Get("refresh")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	})

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: server.URL, Prefix: "agreements", Index: "current"})
	require.NoError(t, err)
	require.NoError(t, client.IndexAgreement(context.Background(), testView()))

	assert.Equal(t, "/agreements-current/_doc/FPTT123456789", path)
	assert.Equal(t, "true", refresh)
	assert.Equal(t, "accepted", body["status"])
}

func TestIndexAgreementError(t *testing.T) {
	server := elasticServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"mapper_parsing_exception"}}`))
	})

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: server.URL, Prefix: "agreements", Index: "current"})
	require.NoError(t, err)
	err = client.IndexAgreement(context.Background(), testView())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSearchAgreements(t *testing.T) {
	var query map[string]interface{}
	server := elasticServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &query)
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_source":{"agreement_number":"FPTT123456789"}},{"_source":{"agreement_number":"FPTT000000001"}}]}}`))
	})

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: server.URL, Prefix: "agreements", Index: "current"})
	require.NoError(t, err)

	docs, err := client.SearchAgreements(context.Background(), map[string]string{"sbi": "106284736", "status": ""}, 20)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "FPTT123456789", docs[0]["agreement_number"])

	filters := query["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	assert.Len(t, filters, 1)
	assert.Equal(t, float64(20), query["size"])
}

func TestDisabledClient(t *testing.T) {
	client, err := NewElasticClient(config.ElasticConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.IndexAgreement(context.Background(), testView()))

	_, err = client.SearchAgreements(context.Background(), map[string]string{"sbi": "1"}, 10)
	assert.Error(t, err)
}
