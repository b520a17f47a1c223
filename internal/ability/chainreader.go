package ability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/ability-sidecar/internal/chains"
)

var ErrNoRPC = errors.New("no rpc endpoint configured for chain")

// EthClients dials one ethclient per registered chain on first use and
// checks that the endpoint serves the chain it was registered under.
type EthClients struct {
	registry *chains.Registry

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

func NewEthClients(registry *chains.Registry) *EthClients {
	return &EthClients{
		registry: registry,
		clients:  make(map[uint64]*ethclient.Client),
	}
}

func (e *EthClients) Reader(ctx context.Context, chainID uint64) (ChainReader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if client, ok := e.clients[chainID]; ok {
		return client, nil
	}

	chain, ok := e.registry.Get(chainID)
	if !ok || chain.RPCURL == "" {
		return nil, fmt.Errorf("%w %d", ErrNoRPC, chainID)
	}

	client, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}

	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id of %s: %w", chain.Name, err)
	}
	if !remote.IsUint64() || remote.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc endpoint for chain %d reports chain id %s", chainID, remote)
	}

	log.Info().Uint64("chain_id", chainID).Str("chain", chain.Name).Msg("connected to chain rpc")

	e.clients[chainID] = client
	return client, nil
}

func (e *EthClients) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, client := range e.clients {
		client.Close()
		delete(e.clients, id)
	}
}
