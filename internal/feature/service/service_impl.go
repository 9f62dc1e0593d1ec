package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/feature/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Cache *cache.MultiLevel
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
	cache *cache.MultiLevel
	clock clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("feature.service"),
		repo:  p.Repo,
		genID: p.GenID,
		cache: p.Cache,
		clock: clk,
	}
}

// NormalizeCode maps a feature code to its canonical slug form.
func NormalizeCode(code string) string {
	return slug.Make(strings.TrimSpace(code))
}

func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Endpoint, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}

	endpoint, err := cache.GetOrLoad(ctx, s.cache, cache.EndpointKey(code), s.cache.DefaultTTL(),
		func(ctx context.Context) (*domain.Endpoint, error) {
			item, err := s.repo.FindEndpointByCode(ctx, s.db, code)
			if err != nil {
				return nil, err
			}
			if item == nil {
				return nil, domain.ErrEndpointNotFound
			}
			return item, nil
		})
	if err != nil {
		return nil, err
	}
	if endpoint == nil || !endpoint.Active {
		return nil, domain.ErrEndpointNotFound
	}
	return endpoint, nil
}

func (s *Service) GetPackageFeature(ctx context.Context, featureID, packageID snowflake.ID) (*domain.PackageFeature, bool, error) {
	if featureID == 0 || packageID == 0 {
		return nil, false, nil
	}

	lookup, err := cache.GetOrLoad(ctx, s.cache, cache.PackageFeatureKey(featureID.String(), packageID.String()), s.cache.DefaultTTL(),
		func(ctx context.Context) (domain.PackageFeatureLookup, error) {
			pf, err := s.repo.FindPackageFeature(ctx, s.db, featureID, packageID)
			if err != nil {
				return domain.PackageFeatureLookup{}, err
			}
			return domain.PackageFeatureLookup{Found: pf != nil, Feature: pf}, nil
		})
	if err != nil {
		return nil, false, err
	}
	return lookup.Feature, lookup.Found, nil
}

func (s *Service) UpsertEndpoint(ctx context.Context, req domain.UpsertEndpointRequest) (*domain.Endpoint, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if req.MinCredits < 0 {
		return nil, domain.ErrInvalidMinCredits
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	record := &domain.Endpoint{
		ID:                s.genID.Generate(),
		Code:              code,
		Name:              name,
		MinCredits:        req.MinCredits,
		PackageRestricted: req.PackageRestricted,
		Active:            active,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var saved *domain.Endpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpsertEndpoint(ctx, tx, record); err != nil {
			return err
		}
		found, err := s.repo.FindEndpointByCode(ctx, tx, code)
		if err != nil {
			return err
		}
		saved = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, cache.EndpointKey(code)); err != nil {
		return saved, err
	}
	s.log.Info("feature endpoint saved",
		zap.String("code", code),
		zap.Int64("min_credits", saved.MinCredits),
		zap.Bool("package_restricted", saved.PackageRestricted),
	)
	return saved, nil
}

func (s *Service) UpsertPackage(ctx context.Context, req domain.UpsertPackageRequest) (*domain.Package, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidPackage
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	record := &domain.Package{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      name,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertPackage(ctx, s.db, record); err != nil {
		return nil, err
	}
	return s.repo.FindPackageByCode(ctx, s.db, code)
}

func (s *Service) AttachToPackage(ctx context.Context, req domain.AttachRequest) (*domain.PackageFeature, error) {
	if req.PackageID == 0 {
		return nil, domain.ErrInvalidPackage
	}
	if req.MinCreditsOverride != nil && *req.MinCreditsOverride < 0 {
		return nil, domain.ErrInvalidMinCredits
	}
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}

	var (
		endpoint *domain.Endpoint
		record   *domain.PackageFeature
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		endpoint, err = s.repo.FindEndpointByCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if endpoint == nil {
			return domain.ErrEndpointNotFound
		}
		pkg, err := s.repo.FindPackageByID(ctx, tx, req.PackageID)
		if err != nil {
			return err
		}
		if pkg == nil {
			return domain.ErrPackageNotFound
		}
		record = &domain.PackageFeature{
			PackageID:          pkg.ID,
			FeatureEndpointID:  endpoint.ID,
			MinCreditsOverride: req.MinCreditsOverride,
			CreatedAt:          s.clock.Now(),
		}
		return s.repo.UpsertPackageFeature(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, cache.PackageFeatureKey(endpoint.ID.String(), req.PackageID.String())); err != nil {
		return record, err
	}
	return record, nil
}

func (s *Service) DetachFromPackage(ctx context.Context, packageID snowflake.ID, code string) error {
	if packageID == 0 {
		return domain.ErrInvalidPackage
	}
	code = NormalizeCode(code)
	if code == "" {
		return domain.ErrInvalidCode
	}

	endpoint, err := s.repo.FindEndpointByCode(ctx, s.db, code)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return domain.ErrEndpointNotFound
	}
	if _, err := s.repo.DeletePackageFeature(ctx, s.db, endpoint.ID, packageID); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cache.PackageFeatureKey(endpoint.ID.String(), packageID.String()))
}

var _ domain.Service = (*Service)(nil)
