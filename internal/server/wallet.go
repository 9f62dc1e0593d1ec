package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
)

type addCreditsRequest struct {
	Credits        int64          `json:"credits"`
	Source         string         `json:"source"`
	Reference      string         `json:"reference"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type assignPackageRequest struct {
	PackageID *string    `json:"package_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) GetWallet(c *gin.Context) {
	wallet, err := s.walletSvc.GetByUserID(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) ListTransactions(c *gin.Context) {
	limit, err := parseListLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.walletSvc.ListTransactions(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) AddCredits(c *gin.Context) {
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	source := walletdomain.SourceType(strings.ToLower(strings.TrimSpace(req.Source)))
	if source == "" {
		source = walletdomain.SourcePayment
	}

	resp, err := s.walletSvc.Increment(c.Request.Context(), walletdomain.IncrementRequest{
		UserID:         c.Param("user_id"),
		Credits:        req.Credits,
		Source:         source,
		Reference:      strings.TrimSpace(req.Reference),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AssignPackage(c *gin.Context) {
	var req assignPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var packageID *snowflake.ID
	if req.PackageID != nil && strings.TrimSpace(*req.PackageID) != "" {
		id, err := parseSnowflakeID(*req.PackageID)
		if err != nil {
			AbortWithError(c, newValidationError("package_id", "invalid_package_id", "invalid package_id"))
			return
		}
		packageID = &id
	}

	wallet, err := s.walletSvc.AssignPackage(c.Request.Context(), walletdomain.AssignPackageRequest{
		UserID:    c.Param("user_id"),
		PackageID: packageID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) DeleteTransaction(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.walletSvc.DeleteTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RestoreTransaction(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.walletSvc.RestoreTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
