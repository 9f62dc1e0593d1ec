package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/creditmeter/internal/settlement/domain"
)

type startFeatureRequest struct {
	UserID string `json:"user_id"`
}

type endFeatureRequest struct {
	UserID   string                       `json:"user_id"`
	UsageKey string                       `json:"usage_key"`
	Items    []settlementdomain.UsageItem `json:"items"`
	Sync     bool                         `json:"sync"`
}

func (s *Server) StartFeature(c *gin.Context) {
	var req startFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.settlementSvc.Start(c.Request.Context(), settlementdomain.StartRequest{
		UserID:      strings.TrimSpace(req.UserID),
		FeatureCode: c.Param("code"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) EndFeature(c *gin.Context) {
	var req endFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.settlementSvc.End(c.Request.Context(), settlementdomain.EndRequest{
		UserID:      strings.TrimSpace(req.UserID),
		FeatureCode: c.Param("code"),
		UsageKey:    strings.TrimSpace(req.UsageKey),
		Items:       req.Items,
		Sync:        req.Sync,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(endStatus(resp), gin.H{"data": resp})
}

// endStatus keeps the structured result in the body and lets the status code
// carry the outcome class.
func endStatus(res *settlementdomain.EndResult) int {
	switch res.Status {
	case settlementdomain.StatusQueued:
		return http.StatusAccepted
	case settlementdomain.StatusRejected:
		if res.Reason == settlementdomain.ReasonInsufficientBalance {
			return http.StatusPaymentRequired
		}
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}
