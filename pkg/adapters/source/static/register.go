package static

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
)

func init() {
	source.Register(source.AdapterRegistration{
		Info: source.AdapterInfo{
			Type:        "static",
			DisplayName: "Static seed",
			Description: "In-memory inventory loaded from a JSON seed file",
		},
		Factory: newFromOptions,
	})
}

func newFromOptions(ctx context.Context, options map[string]string, logger *zap.Logger) (source.Adapter, error) {
	path := options["seed_file"]
	if path == "" {
		return nil, fmt.Errorf("static adapter requires a seed_file option")
	}
	adapter, err := NewFromFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded static inventory seed", zap.String("seed_file", path))
	return adapter, nil
}
