package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/quantfield/signalledger/internal/domain"
)

// emitEvent publishes a JSON event on the pub/sub channel and appends it
// to the durable stream. Failures are logged rather than surfaced: the
// state change the event describes has already committed.
func emitEvent(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel, stream string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.ErrorContext(ctx, "marshal event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := bus.StreamAppend(ctx, stream, payload); err != nil {
		logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}
