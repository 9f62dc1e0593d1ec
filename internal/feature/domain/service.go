package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

type Service interface {
	// GetByCode returns an active endpoint through the cache.
	GetByCode(ctx context.Context, code string) (*Endpoint, error)
	// GetPackageFeature reports whether featureID is included in packageID.
	GetPackageFeature(ctx context.Context, featureID, packageID snowflake.ID) (*PackageFeature, bool, error)

	UpsertEndpoint(ctx context.Context, req UpsertEndpointRequest) (*Endpoint, error)
	UpsertPackage(ctx context.Context, req UpsertPackageRequest) (*Package, error)
	AttachToPackage(ctx context.Context, req AttachRequest) (*PackageFeature, error)
	DetachFromPackage(ctx context.Context, packageID snowflake.ID, code string) error
}

type UpsertEndpointRequest struct {
	Code              string `json:"code"`
	Name              string `json:"name"`
	MinCredits        int64  `json:"min_credits"`
	PackageRestricted bool   `json:"package_restricted"`
	Active            *bool  `json:"active,omitempty"`
}

type UpsertPackageRequest struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"`
}

type AttachRequest struct {
	PackageID          snowflake.ID `json:"package_id"`
	Code               string       `json:"code"`
	MinCreditsOverride *int64       `json:"min_credits_override,omitempty"`
}

var (
	ErrInvalidCode       = apperror.New(apperror.KindValidation, "invalid_feature_code")
	ErrInvalidName       = apperror.New(apperror.KindValidation, "invalid_name")
	ErrInvalidMinCredits = apperror.New(apperror.KindValidation, "invalid_min_credits")
	ErrInvalidPackage    = apperror.New(apperror.KindValidation, "invalid_package")
	ErrEndpointNotFound  = apperror.New(apperror.KindNotFound, "feature_not_found")
	ErrPackageNotFound   = apperror.New(apperror.KindNotFound, "package_not_found")
)
