// Package bootstrap assembles the fx graphs for the API and worker processes.
package bootstrap

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/aggregator"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/feature"
	"github.com/smallbiznis/creditmeter/internal/migration"
	"github.com/smallbiznis/creditmeter/internal/notification"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/pricing"
	"github.com/smallbiznis/creditmeter/internal/queue"
	"github.com/smallbiznis/creditmeter/internal/server"
	"github.com/smallbiznis/creditmeter/internal/settlement"
	"github.com/smallbiznis/creditmeter/internal/wallet"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
)

// maxNodeID is the largest node id snowflake accepts with the default 10 node bits.
const maxNodeID = 1023

// Options tunes which optional subsystems a process starts.
type Options struct {
	// Migrate runs schema migrations before anything else touches the DB.
	Migrate bool
}

// Core is shared by every process: configuration, telemetry, storage and the
// settlement services.
func Core(opts Options) fx.Option {
	options := []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(NewSnowflake),
		clock.Module,
		db.Module,
	}
	if opts.Migrate {
		options = append(options, migration.Module)
	}
	options = append(options,
		cache.Module,
		pricing.Module,
		feature.Module,
		wallet.Module,
		notification.Module,
		settlement.Module,
		cloudmetrics.Module,
	)
	return fx.Options(options...)
}

// API serves Start/End, the wallet and admin routes and the balance stream.
// End calls are batched by the aggregator and published to Kafka when brokers
// are configured.
func API(opts Options) fx.Option {
	return fx.Options(
		Core(opts),
		fx.Supply(cloudmetrics.RoleAPI),
		queue.PublisherModule,
		aggregator.Module,
		notification.RelayModule,
		server.Module,
	)
}

// Worker consumes settlement batches published by API processes.
func Worker(opts Options) fx.Option {
	return fx.Options(
		Core(opts),
		fx.Supply(cloudmetrics.RoleWorker),
		queue.ConsumerModule,
	)
}

// Migrate only brings the schema up to date.
func Migrate() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
	)
}

// NewSnowflake derives the id node from INSTANCE_ID so replicas never collide.
func NewSnowflake(cfg config.Config) (*snowflake.Node, error) {
	if cfg.InstanceID < 0 || cfg.InstanceID > maxNodeID {
		return nil, fmt.Errorf("instance id %d out of range [0,%d]", cfg.InstanceID, maxNodeID)
	}
	return snowflake.NewNode(cfg.InstanceID)
}
