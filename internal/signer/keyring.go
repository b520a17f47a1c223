package signer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// Keyring signs with local secp256k1 keys, indexed by address.
type Keyring struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewKeyring(keys ...*ecdsa.PrivateKey) *Keyring {
	k := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, key := range keys {
		k.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return k
}

// LoadKeyring reads one hex private key per line. Blank lines and lines
// starting with # are skipped.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}

	var keys []*ecdsa.PrivateKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, err := crypto.HexToECDSA(strings.TrimPrefix(text, "0x"))
		if err != nil {
			return nil, fmt.Errorf("keys file line %d: invalid private key", line)
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan keys file: %w", err)
	}

	k := NewKeyring(keys...)
	log.Info().Int("count", len(k.keys)).Msg("signing keys loaded")
	return k, nil
}

func (k *Keyring) Sign(ctx context.Context, digest common.Hash, signer common.Address) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, ok := k.keys[signer]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrUnknownSigner, signer.Hex())
	}

	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// Addresses lists the identities this keyring can sign for.
func (k *Keyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr)
	}
	return out
}
