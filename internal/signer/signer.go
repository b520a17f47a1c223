// Package signer holds the external signing collaborators. The sidecar never
// generates or stores keys; it only asks for signatures over final digests.
package signer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownSigner = errors.New("no key for signer")

// Signer produces a 65-byte [R || S || V] secp256k1 signature over digest,
// hex encoded, with V in {0, 1}.
type Signer interface {
	Sign(ctx context.Context, digest common.Hash, signer common.Address) (string, error)
}
