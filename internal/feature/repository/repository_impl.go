package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/feature/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEndpointByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Endpoint, error) {
	var endpoint domain.Endpoint
	return firstOrNil(db.WithContext(ctx).Where("code = ?", code).First(&endpoint).Error, &endpoint)
}

// UpsertEndpoint keeps the existing id on a code conflict.
func (r *repo) UpsertEndpoint(ctx context.Context, db *gorm.DB, endpoint *domain.Endpoint) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "min_credits", "package_restricted", "active", "updated_at"}),
	}).Create(endpoint).Error
}

func (r *repo) FindPackageByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Package, error) {
	var pkg domain.Package
	return firstOrNil(db.WithContext(ctx).Where("id = ?", id).First(&pkg).Error, &pkg)
}

func (r *repo) FindPackageByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Package, error) {
	var pkg domain.Package
	return firstOrNil(db.WithContext(ctx).Where("code = ?", code).First(&pkg).Error, &pkg)
}

func (r *repo) UpsertPackage(ctx context.Context, db *gorm.DB, pkg *domain.Package) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "active", "updated_at"}),
	}).Create(pkg).Error
}

func (r *repo) FindPackageFeature(ctx context.Context, db *gorm.DB, featureID, packageID snowflake.ID) (*domain.PackageFeature, error) {
	var pf domain.PackageFeature
	err := db.WithContext(ctx).
		Where("feature_endpoint_id = ? AND package_id = ?", featureID, packageID).
		First(&pf).Error
	return firstOrNil(err, &pf)
}

func (r *repo) UpsertPackageFeature(ctx context.Context, db *gorm.DB, pf *domain.PackageFeature) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "package_id"}, {Name: "feature_endpoint_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"min_credits_override"}),
	}).Create(pf).Error
}

func (r *repo) DeletePackageFeature(ctx context.Context, db *gorm.DB, featureID, packageID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).
		Where("feature_endpoint_id = ? AND package_id = ?", featureID, packageID).
		Delete(&domain.PackageFeature{})
	return res.RowsAffected, res.Error
}

func firstOrNil[T any](err error, v *T) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
