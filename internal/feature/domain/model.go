package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Endpoint is a billable AI feature. MinCredits is the balance a user must hold
// before Start reports the feature as accessible.
type Endpoint struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Code              string       `gorm:"type:text;not null;uniqueIndex:ux_feature_endpoints_code" json:"code"`
	Name              string       `gorm:"type:text;not null" json:"name"`
	MinCredits        int64        `gorm:"not null;default:0" json:"min_credits"`
	PackageRestricted bool         `gorm:"not null;default:false" json:"package_restricted"`
	Active            bool         `gorm:"not null" json:"active"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (Endpoint) TableName() string { return "feature_endpoints" }

// Package is a credit package a wallet may be subscribed to.
type Package struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_packages_code" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Active    bool         `gorm:"not null" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Package) TableName() string { return "packages" }

// PackageFeature includes an endpoint in a package, optionally overriding the
// endpoint's minimum credits for wallets on that package.
type PackageFeature struct {
	PackageID          snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"package_id"`
	FeatureEndpointID  snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"feature_endpoint_id"`
	MinCreditsOverride *int64       `json:"min_credits_override,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
}

func (PackageFeature) TableName() string { return "package_features" }

// PackageFeatureLookup is the cached result of a package membership check,
// including a negative answer.
type PackageFeatureLookup struct {
	Found   bool            `json:"found"`
	Feature *PackageFeature `json:"feature,omitempty"`
}
