package observability

import (
	"testing"

	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaultsAndClamps(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "production",
		AppVersion:  " 1.2.0 ",
		Telemetry: config.TelemetryConfig{
			LogLevel:      " ",
			OTLPEndpoint:  "collector:4317",
			SamplingRatio: 4,
		},
	})

	assert.Equal(t, "creditmeter", cfg.ServiceName)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestDebugFollowsLevelOrEnvironment(t *testing.T) {
	assert.True(t, Config{LogLevel: "debug", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "Local"}.Debug())
	assert.False(t, Config{LogLevel: "warn", Environment: "staging"}.Debug())
}
