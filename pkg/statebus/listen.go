package statebus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shiftflow/pkg/logging"
)

const retryDelay = time.Second

// Listen reads events until ctx is cancelled or the consumer is closed,
// calling handle for every event that did not originate from origin.
// Undecodable messages are logged and skipped. Read errors are retried
// after a short pause.
func Listen(ctx context.Context, c Consumer, origin string, handle func(Event), logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			logger.Warn("statebus read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		ev, err := Decode(msg)
		if err != nil {
			logger.Warn("statebus message skipped", zap.Error(err))
			continue
		}
		if origin != "" && ev.Origin == origin {
			continue
		}
		handle(ev)
	}
}
