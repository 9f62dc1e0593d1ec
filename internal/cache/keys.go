package cache

import "strings"

const (
	KeyBillingPrice     = "pricing:billing_price"
	KeyProfitPercentage = "pricing:profit_percentage"

	PrefixPricing        = "pricing:"
	PrefixModelPrice     = "pricing:model:"
	PrefixEndpoint       = "feature:endpoint:"
	PrefixPackageFeature = "feature:package:"
)

func ModelPriceKey(model string) string {
	return PrefixModelPrice + strings.ToLower(strings.TrimSpace(model))
}

func EndpointKey(code string) string {
	return PrefixEndpoint + code
}

func PackageFeatureKey(featureID, packageID string) string {
	return PrefixPackageFeature + featureID + ":" + packageID
}

// PackageFeaturePrefix covers every package override of one feature.
func PackageFeaturePrefix(featureID string) string {
	return PrefixPackageFeature + featureID + ":"
}
