package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/feature/domain"
	"github.com/smallbiznis/creditmeter/internal/feature/repository"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *cache.MultiLevel) {
	t.Helper()
	db := testutil.OpenDB(t, &domain.Endpoint{}, &domain.Package{}, &domain.PackageFeature{})
	clk := testutil.NewClock()
	c := testutil.NewCache(t, clk)
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  repository.Provide(),
		Cache: c,
		Clock: clk,
	}).(*Service)
	return svc, db, c
}

func TestUpsertEndpointNormalizesCodeAndKeepsID(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	first, err := svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "Chat Completion", Name: "Chat", MinCredits: 10})
	require.NoError(t, err)
	assert.Equal(t, "chat-completion", first.Code)

	second, err := svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "chat-completion", Name: "Chat v2", MinCredits: 25})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(25), second.MinCredits)
	assert.Equal(t, "Chat v2", second.Name)
}

func TestGetByCodeIsCachedAndInvalidatedOnUpsert(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t)

	_, err := svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "summarize", Name: "Summarize", MinCredits: 5})
	require.NoError(t, err)

	got, err := svc.GetByCode(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.MinCredits)

	// a write behind the service's back is not visible while cached
	require.NoError(t, db.Model(&domain.Endpoint{}).Where("code = ?", "summarize").Update("min_credits", 99).Error)
	got, err = svc.GetByCode(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.MinCredits)

	_, err = svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "summarize", Name: "Summarize", MinCredits: 7})
	require.NoError(t, err)
	got, err = svc.GetByCode(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.MinCredits)
}

func TestGetByCodeNotFoundAndInactive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.GetByCode(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	inactive := false
	_, err = svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "old", Name: "Old", Active: &inactive})
	require.NoError(t, err)
	_, err = svc.GetByCode(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)

	_, err = svc.GetByCode(ctx, "  ")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestPackageMembershipCachesNegativeAndInvalidates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	endpoint, err := svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "image-gen", Name: "Images", MinCredits: 50, PackageRestricted: true})
	require.NoError(t, err)
	pkg, err := svc.UpsertPackage(ctx, domain.UpsertPackageRequest{Code: "pro", Name: "Pro"})
	require.NoError(t, err)

	_, found, err := svc.GetPackageFeature(ctx, endpoint.ID, pkg.ID)
	require.NoError(t, err)
	assert.False(t, found)

	override := int64(20)
	_, err = svc.AttachToPackage(ctx, domain.AttachRequest{PackageID: pkg.ID, Code: "image-gen", MinCreditsOverride: &override})
	require.NoError(t, err)

	pf, found, err := svc.GetPackageFeature(ctx, endpoint.ID, pkg.ID)
	require.NoError(t, err)
	require.True(t, found, "attach must invalidate the cached negative lookup")
	require.NotNil(t, pf.MinCreditsOverride)
	assert.Equal(t, int64(20), *pf.MinCreditsOverride)

	require.NoError(t, svc.DetachFromPackage(ctx, pkg.ID, "image-gen"))
	_, found, err = svc.GetPackageFeature(ctx, endpoint.ID, pkg.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAttachRejectsUnknownPackage(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.UpsertEndpoint(ctx, domain.UpsertEndpointRequest{Code: "chat", Name: "Chat"})
	require.NoError(t, err)

	_, err = svc.AttachToPackage(ctx, domain.AttachRequest{PackageID: 12345, Code: "chat"})
	assert.ErrorIs(t, err, domain.ErrPackageNotFound)

	neg := int64(-1)
	_, err = svc.AttachToPackage(ctx, domain.AttachRequest{PackageID: 12345, Code: "chat", MinCreditsOverride: &neg})
	assert.ErrorIs(t, err, domain.ErrInvalidMinCredits)
}
