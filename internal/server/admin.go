package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	featuredomain "github.com/smallbiznis/creditmeter/internal/feature/domain"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"go.uber.org/zap"
)

type billingPriceRequest struct {
	CreditUnitPrice decimal.Decimal `json:"credit_unit_price"`
}

type modelPriceRequest struct {
	InputPrice  decimal.Decimal `json:"input_price"`
	OutputPrice decimal.Decimal `json:"output_price"`
	TokenUnit   int64           `json:"token_unit"`
}

type profitMarginRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
	Active     *bool           `json:"active"`
}

type featureRequest struct {
	Name              string `json:"name"`
	MinCredits        int64  `json:"min_credits"`
	PackageRestricted bool   `json:"package_restricted"`
	Active            *bool  `json:"active"`
}

type packageRequest struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}

type attachFeatureRequest struct {
	MinCreditsOverride *int64 `json:"min_credits_override"`
}

func (s *Server) SetBillingPrice(c *gin.Context) {
	var req billingPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.pricingSvc.SetCreditUnitPrice(c.Request.Context(), req.CreditUnitPrice)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpsertModelPrice(c *gin.Context) {
	var req modelPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.pricingSvc.UpsertModelPrice(c.Request.Context(), pricingdomain.UpsertModelPriceRequest{
		Model:       c.Param("model"),
		InputPrice:  req.InputPrice,
		OutputPrice: req.OutputPrice,
		TokenUnit:   req.TokenUnit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteModelPrice(c *gin.Context) {
	if err := s.pricingSvc.DeleteModelPrice(c.Request.Context(), c.Param("model")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) UpsertProfitMargin(c *gin.Context) {
	var req profitMarginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.pricingSvc.UpsertProfitMargin(c.Request.Context(), pricingdomain.UpsertProfitMarginRequest{
		Name:       c.Param("name"),
		Percentage: req.Percentage,
		Active:     req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteProfitMargin(c *gin.Context) {
	if err := s.pricingSvc.DeleteProfitMargin(c.Request.Context(), c.Param("name")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// InvalidatePricing drops cached pricing after out-of-band edits to the tables.
func (s *Server) InvalidatePricing(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.pricingSvc.InvalidateAll(ctx); err != nil {
		logger.FromContext(ctx).Warn("pricing cache invalidation incomplete", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) UpsertFeature(c *gin.Context) {
	var req featureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.featureSvc.UpsertEndpoint(c.Request.Context(), featuredomain.UpsertEndpointRequest{
		Code:              c.Param("code"),
		Name:              strings.TrimSpace(req.Name),
		MinCredits:        req.MinCredits,
		PackageRestricted: req.PackageRestricted,
		Active:            req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpsertPackage(c *gin.Context) {
	var req packageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.featureSvc.UpsertPackage(c.Request.Context(), featuredomain.UpsertPackageRequest{
		Code:   req.Code,
		Name:   strings.TrimSpace(req.Name),
		Active: req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AttachFeature(c *gin.Context) {
	packageID, err := parseSnowflakeID(c.Param("package_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req attachFeatureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.featureSvc.AttachToPackage(c.Request.Context(), featuredomain.AttachRequest{
		PackageID:          packageID,
		Code:               c.Param("code"),
		MinCreditsOverride: req.MinCreditsOverride,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DetachFeature(c *gin.Context) {
	packageID, err := parseSnowflakeID(c.Param("package_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.featureSvc.DetachFromPackage(c.Request.Context(), packageID, c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
