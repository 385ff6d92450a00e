package devices

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncRevoker marks tokens revoked on a background goroutine. It is the
// in-process alternative to the RabbitMQ revocation queue.
type AsyncRevoker struct {
	reg     *Registry
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncRevoker(reg *Registry, log *zap.Logger) *AsyncRevoker {
	return &AsyncRevoker{reg: reg, log: log, timeout: 5 * time.Second}
}

func (a *AsyncRevoker) RevokeToken(_ context.Context, token string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.reg.MarkRevoked(ctx, token); err != nil {
			a.log.Error("device_token_revoke_failed", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every pending revocation has finished.
func (a *AsyncRevoker) Wait() {
	a.wg.Wait()
}
