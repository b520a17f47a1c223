// Package usage tracks how often the sidecar has signed for a sender.
package usage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store answers how many signatures a sender received since a point in time.
type Store interface {
	CountSince(ctx context.Context, chainID uint64, sender common.Address, since time.Time) (int, error)
}

// Recorder notes a completed signature.
type Recorder interface {
	Record(ctx context.Context, chainID uint64, sender common.Address, at time.Time) error
}
