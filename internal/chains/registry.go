package chains

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var (
	// EntryPointV06 and EntryPointV07 are the canonical ERC-4337 entry points.
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

// Chain describes one EVM network the sidecar is allowed to sign for.
type Chain struct {
	ID            uint64   `yaml:"id"`
	Name          string   `yaml:"name"`
	RPCURL        string   `yaml:"rpcUrl"`
	SimulationURL string   `yaml:"simulationUrl"`
	EntryPoint    string   `yaml:"entryPoint"`
	Relays        []string `yaml:"relays"`
}

type file struct {
	Chains []Chain `yaml:"chains"`
}

type entry struct {
	chain      Chain
	entryPoint common.Address
	relays     map[common.Address]struct{}
}

// Registry is the read-only, per-chain address book shared by every invocation.
type Registry struct {
	chains map[uint64]*entry
}

// NewRegistry builds a registry from explicit chain definitions.
func NewRegistry(chains ...Chain) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]*entry)}
	for _, c := range chains {
		if err := r.add(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads a chains YAML file, expanding ${VAR} references from the
// environment. An empty path yields an empty registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse chains file: %w", err)
	}

	return NewRegistry(f.Chains...)
}

func (r *Registry) add(c Chain) error {
	if c.ID == 0 {
		return fmt.Errorf("chain %q: id is required", c.Name)
	}
	if _, dup := r.chains[c.ID]; dup {
		return fmt.Errorf("chain %d declared twice", c.ID)
	}

	e := &entry{
		chain:      c,
		entryPoint: EntryPointV07,
		relays:     make(map[common.Address]struct{}),
	}

	if c.EntryPoint != "" {
		if !common.IsHexAddress(c.EntryPoint) {
			return fmt.Errorf("chain %d: invalid entry point %q", c.ID, c.EntryPoint)
		}
		e.entryPoint = common.HexToAddress(c.EntryPoint)
	}

	// Only contracts that check their caller belong here: relays are also the
	// accepted ERC-20 spenders, so a permissionless forwarder such as
	// Multicall3 must never be listed.
	for _, builtin := range []common.Address{EntryPointV06, EntryPointV07, e.entryPoint} {
		e.relays[builtin] = struct{}{}
	}

	for _, relay := range c.Relays {
		if !common.IsHexAddress(relay) {
			return fmt.Errorf("chain %d: invalid relay address %q", c.ID, relay)
		}
		e.relays[common.HexToAddress(relay)] = struct{}{}
	}

	r.chains[c.ID] = e
	return nil
}

// Get returns the chain definition for id.
func (r *Registry) Get(id uint64) (Chain, bool) {
	e, ok := r.chains[id]
	if !ok {
		return Chain{}, false
	}
	return e.chain, true
}

// Supported reports whether the chain is configured.
func (r *Registry) Supported(id uint64) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs lists configured chain ids.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

// EntryPoint returns the ERC-4337 entry point used for user operations on the chain.
func (r *Registry) EntryPoint(id uint64) (common.Address, bool) {
	e, ok := r.chains[id]
	if !ok {
		return common.Address{}, false
	}
	return e.entryPoint, true
}

// IsRelay reports whether addr is a known relay/execute or entry-point contract on the chain.
func (r *Registry) IsRelay(id uint64, addr common.Address) bool {
	e, ok := r.chains[id]
	if !ok {
		return false
	}
	_, relay := e.relays[addr]
	return relay
}

// Relays returns every relay/execute and entry-point address known for the chain.
func (r *Registry) Relays(id uint64) []common.Address {
	e, ok := r.chains[id]
	if !ok {
		return nil
	}

	out := make([]common.Address, 0, len(e.relays))
	for addr := range e.relays {
		out = append(out, addr)
	}
	return out
}
