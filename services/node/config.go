// Package node carries the edge daemon's configuration and wiring helpers.
package node

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the marketplace edge node.
type Config struct {
	Addr  string `env:"ADDR,default=:8080"`
	DBDSN string `env:"DB_DSN,required"`

	MeshURL      string `env:"MESH_URL,default=nats://127.0.0.1:4222"`
	MeshDisabled bool   `env:"MESH_DISABLED,default=false"`
	Namespace    string `env:"MESH_NAMESPACE,default=macula.market.v1"`

	RevocationTTL   time.Duration `env:"REVOCATION_TTL,default=24h"`
	RevocationGrace time.Duration `env:"REVOCATION_GRACE,default=168h"`
	SweepInterval   time.Duration `env:"REVOCATION_SWEEP_INTERVAL,default=1h"`

	SubscribeBackoff time.Duration `env:"SUBSCRIBE_BACKOFF,default=5s"`
	RefreshTimeout   time.Duration `env:"REFRESH_TIMEOUT,default=10s"`
	RefreshBatchSize int           `env:"REFRESH_BATCH_SIZE,default=100"`

	// ServeRefresh controls whether this node answers other peers' refresh
	// requests from its local projection.
	ServeRefresh bool `env:"SERVE_REFRESH,default=true"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
