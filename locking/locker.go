package locking

import (
	"context"

	"github.com/Yulian302/lfusys-services-uploads/health"
)

// Locker hands out exclusive per-key locks. Distinct keys never contend.
// Acquire blocks until the lock is held, the ctx is done or the backend's
// wait budget runs out, in which case it returns apperror.ErrLockTimeout.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)

	health.ReadinessCheck
}

func SessionKey(uploadId string) string {
	return "session:" + uploadId
}

func CatalogKey(sku string) string {
	return "catalog:" + sku
}
