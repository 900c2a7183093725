package keystore

import (
	"context"
	"time"
)

// mirrorTimeout bounds each fire-and-forget mirror call.
const mirrorTimeout = 3 * time.Second

// KeyMirror replicates key mutations to a remote store for cross-node
// visibility. Calls happen after the local commit and their failures never
// block or fail a request; the local store remains authoritative.
type KeyMirror interface {
	SaveKey(ctx context.Context, rec *KeyRecord) error
	RevokeKey(ctx context.Context, keyID string) error
	AtomicTopup(ctx context.Context, keyID string, amount int64) error
}
