package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dagbolade/ability-sidecar/internal/usage"
)

// Built-in policy types.
const (
	TypeMaxNativeValue     = "max_native_value"
	TypeRecipientAllowlist = "recipient_allowlist"
	TypeCEL                = "cel"
	TypeSigningRate        = "signing_rate"
	TypeWASM               = "wasm"
	TypeRego               = "rego"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Table is an ordered policy list. Declaration order is evaluation order.
type Table struct {
	Parallel bool
	Entries  []Entry
}

type tableFile struct {
	Parallel bool         `yaml:"parallel"`
	Policies []policySpec `yaml:"policies"`
}

type policySpec struct {
	ID     string    `yaml:"id" validate:"required"`
	Type   string    `yaml:"type" validate:"required,oneof=max_native_value recipient_allowlist cel signing_rate wasm rego"`
	Params yaml.Node `yaml:"params"`
}

type MaxNativeValueParams struct {
	Max string `yaml:"max" json:"max" validate:"required,number" jsonschema:"description=Maximum value in wei,pattern=^[0-9]+$"`
}

type RecipientAllowlistParams struct {
	Addresses []string `yaml:"addresses" json:"addresses" validate:"required,min=1,dive,eth_addr" jsonschema:"minItems=1"`
}

type CELParams struct {
	Expression string `yaml:"expression" json:"expression" validate:"required" jsonschema:"description=Boolean CEL expression; true allows"`
}

type SigningRateParams struct {
	Limit  int    `yaml:"limit" json:"limit" validate:"required,min=1" jsonschema:"minimum=1"`
	Window string `yaml:"window" json:"window" validate:"required" jsonschema:"description=Go duration such as 1h or 15m"`
}

type WASMParams struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type RegoParams struct {
	Path  string `yaml:"path" json:"path" validate:"required"`
	Query string `yaml:"query,omitempty" json:"query,omitempty" jsonschema:"description=Defaults to data.ability.allow"`
}

// Loader turns a policy table file into live policies.
type Loader struct {
	wasm  *WASMLoader
	opa   *OPALoader
	cel   *cel.Env
	usage usage.Store
}

// NewLoader creates a loader. store may be nil, in which case signing_rate
// policies are rejected.
func NewLoader(store usage.Store) (*Loader, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	return &Loader{
		wasm:  NewWASMLoader(),
		opa:   NewOPALoader(),
		cel:   env,
		usage: store,
	}, nil
}

func (l *Loader) LoadFile(ctx context.Context, path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read policy file: %w", err)
	}
	return l.Parse(ctx, data, filepath.Dir(path))
}

// Parse builds a table from YAML. Relative module paths resolve against baseDir.
// Either every policy builds or none is returned.
func (l *Loader) Parse(ctx context.Context, data []byte, baseDir string) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("parse policy file: %w", err)
	}

	table := Table{Parallel: f.Parallel}
	seen := make(map[string]struct{}, len(f.Policies))

	for i, spec := range f.Policies {
		if err := validate.Struct(spec); err != nil {
			closeEntries(table.Entries)
			return Table{}, fmt.Errorf("policy %d: %w", i, err)
		}
		if _, dup := seen[spec.ID]; dup {
			closeEntries(table.Entries)
			return Table{}, fmt.Errorf("policy %q declared twice", spec.ID)
		}
		seen[spec.ID] = struct{}{}

		p, err := l.build(ctx, spec, baseDir)
		if err != nil {
			closeEntries(table.Entries)
			return Table{}, fmt.Errorf("policy %q: %w", spec.ID, err)
		}

		table.Entries = append(table.Entries, Entry{ID: spec.ID, Type: spec.Type, Policy: p})
		log.Info().Str("policy", spec.ID).Str("type", spec.Type).Msg("policy loaded")
	}

	return table, nil
}

func (l *Loader) build(ctx context.Context, spec policySpec, baseDir string) (Policy, error) {
	switch spec.Type {
	case TypeMaxNativeValue:
		var p MaxNativeValueParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		max, ok := new(big.Int).SetString(p.Max, 10)
		if !ok {
			return nil, fmt.Errorf("max %q is not a decimal integer", p.Max)
		}
		return NewMaxNativeValue(max), nil

	case TypeRecipientAllowlist:
		var p RecipientAllowlistParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		addrs := make([]common.Address, 0, len(p.Addresses))
		for _, a := range p.Addresses {
			addrs = append(addrs, common.HexToAddress(a))
		}
		return NewRecipientAllowlist(addrs), nil

	case TypeCEL:
		var p CELParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		return NewCELPolicy(l.cel, p.Expression)

	case TypeSigningRate:
		var p SigningRateParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		window, err := time.ParseDuration(p.Window)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("window %q is not a positive duration", p.Window)
		}
		if l.usage == nil {
			return nil, errors.New("signing_rate needs a usage store")
		}
		return NewSigningRate(l.usage, p.Limit, window), nil

	case TypeWASM:
		var p WASMParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		return l.wasm.LoadFile(resolve(baseDir, p.Path))

	case TypeRego:
		var p RegoParams
		if err := decodeParams(spec.Params, &p); err != nil {
			return nil, err
		}
		return l.opa.LoadFromFile(ctx, resolve(baseDir, p.Path), p.Query)

	default:
		return nil, fmt.Errorf("unknown policy type %q", spec.Type)
	}
}

func decodeParams(node yaml.Node, out any) error {
	if node.Kind != 0 {
		if err := node.Decode(out); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func closeEntries(entries []Entry) {
	for _, e := range entries {
		if c, ok := e.Policy.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Str("policy", e.ID).Msg("failed to close policy")
			}
		}
	}
}
