package handlers

import (
	"context"
	"net/http"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultSearchSize = 20

// searchFields are the query parameters forwarded to the search projection
var searchFields = []string{"sbi", "frn", "status", "client_ref", "agreement_number", "scheme"}

// AgreementService is the part of the agreement service the API exposes
type AgreementService interface {
	GetAgreement(ctx context.Context, agreementNumber string) (*models.AgreementView, error)
	ListVersions(ctx context.Context, agreementNumber string) ([]models.AgreementView, error)
	AcceptAgreement(ctx context.Context, agreementNumber string) (*models.AgreementView, error)
	SearchAgreements(ctx context.Context, terms map[string]string, size int) ([]map[string]interface{}, error)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SearchQuery binds the search query string
type SearchQuery struct {
	Size int `form:"size" binding:"omitempty,min=1,max=100"`
}

// AgreementHandler handles agreement HTTP requests
type AgreementHandler struct {
	service AgreementService
	tracer  tracing.Tracer
}

// NewAgreementHandler creates a new agreement handler
func NewAgreementHandler(service AgreementService, tracer tracing.Tracer) *AgreementHandler {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &AgreementHandler{
		service: service,
		tracer:  tracer,
	}
}

// RegisterRoutes registers the handler's routes
func (h *AgreementHandler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/agreements/:agreementNumber", h.HandleGetAgreement)
		v1.GET("/agreements/:agreementNumber/versions", h.HandleListVersions)
		v1.POST("/agreements/:agreementNumber/accept", h.HandleAcceptAgreement)
		v1.GET("/search", h.HandleSearch)
	}
}

// HandleGetAgreement returns the current version of an agreement
func (h *AgreementHandler) HandleGetAgreement(c *gin.Context) {
	view, err := h.service.GetAgreement(c.Request.Context(), c.Param("agreementNumber"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleListVersions returns every version of an agreement, oldest first
func (h *AgreementHandler) HandleListVersions(c *gin.Context) {
	views, err := h.service.ListVersions(c.Request.Context(), c.Param("agreementNumber"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": views, "count": len(views)})
}

// HandleAcceptAgreement accepts an offered agreement
func (h *AgreementHandler) HandleAcceptAgreement(c *gin.Context) {
	number := c.Param("agreementNumber")
	txn := nrgin.Transaction(c)
	h.tracer.AddAttribute(txn, "agreement_number", number)

	view, err := h.service.AcceptAgreement(c.Request.Context(), number)
	if err != nil {
		h.tracer.RecordError(txn, err)
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleSearch searches agreements, e.g. /api/v1/search?sbi=106284736&status=accepted
func (h *AgreementHandler) HandleSearch(c *gin.Context) {
	var query SearchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		RespondError(c, apperrors.Validation("invalid search query: %v", err))
		return
	}
	if query.Size == 0 {
		query.Size = defaultSearchSize
	}

	terms := make(map[string]string)
	for _, field := range searchFields {
		if value := c.Query(field); value != "" {
			terms[field] = value
		}
	}
	if len(terms) == 0 {
		RespondError(c, apperrors.Validation("at least one of %v is required", searchFields))
		return
	}

	docs, err := h.service.SearchAgreements(c.Request.Context(), terms, query.Size)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": docs, "count": len(docs)})
}

// RespondError writes the error body and status for err
func RespondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	response := ErrorResponse{Code: string(apperrors.KindOf(err)), Message: "internal error"}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Kind != apperrors.KindInternal {
		response.Message = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, response)
}
