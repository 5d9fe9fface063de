package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AdapterFactory creates adapters from the registry.
type AdapterFactory interface {
	// NewAdapter creates an adapter for the given type.
	NewAdapter(ctx context.Context, adapterType string, options map[string]string) (Adapter, error)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	logger *zap.Logger
}

// NewAdapterFactory returns a factory that uses the global registry.
func NewAdapterFactory(logger *zap.Logger) AdapterFactory {
	return &registryFactory{logger: logger}
}

func (f *registryFactory) NewAdapter(ctx context.Context, adapterType string, options map[string]string) (Adapter, error) {
	factory := GetFactory(adapterType)
	if factory == nil {
		return nil, fmt.Errorf("unsupported adapter type: %s (not compiled in)", adapterType)
	}
	return factory(ctx, options, f.logger)
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}
