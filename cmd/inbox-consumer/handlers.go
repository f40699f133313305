package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/messaging"
)

// registerHandlers wires the inbox handlers of this deployment. The default
// handler accepts any JSON object and records it in the log; services that
// embed the consumer register their own handlers instead.
func registerHandlers(registry *messaging.Registry, dataTypes []string, logger *zap.Logger) {
	for _, dataType := range dataTypes {
		dataType := dataType
		registry.Register(dataType, messaging.Typed(func(ctx context.Context, payload map[string]interface{}) error {
			logger.Info("inbox message handled",
				zap.String("data_type", dataType),
				zap.Int("fields", len(payload)),
			)
			return nil
		}))
	}
}
