package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Decision string

const (
	DecisionSigned Decision = "signed"
	DecisionDenied Decision = "denied"
	DecisionFailed Decision = "failed"
)

// Entry is one audited ability invocation.
type Entry struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	InvocationID string          `json:"invocationId"`
	Mode         string          `json:"mode"`
	ChainID      uint64          `json:"chainId"`
	Sender       string          `json:"sender"`
	Decision     Decision        `json:"decision"`
	PolicyID     string          `json:"policyId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Request      json.RawMessage `json:"request"`
}

type Store interface {
	Log(ctx context.Context, e Entry) error
	GetAll(ctx context.Context) ([]Entry, error)
	CountSince(ctx context.Context, chainID uint64, sender common.Address, since time.Time) (int, error)
	Close() error
}
