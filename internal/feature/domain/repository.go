package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEndpointByCode(ctx context.Context, db *gorm.DB, code string) (*Endpoint, error)
	UpsertEndpoint(ctx context.Context, db *gorm.DB, endpoint *Endpoint) error

	FindPackageByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Package, error)
	UpsertPackage(ctx context.Context, db *gorm.DB, pkg *Package) error
	FindPackageByCode(ctx context.Context, db *gorm.DB, code string) (*Package, error)

	FindPackageFeature(ctx context.Context, db *gorm.DB, featureID, packageID snowflake.ID) (*PackageFeature, error)
	UpsertPackageFeature(ctx context.Context, db *gorm.DB, pf *PackageFeature) error
	DeletePackageFeature(ctx context.Context, db *gorm.DB, featureID, packageID snowflake.ID) (int64, error)
}
