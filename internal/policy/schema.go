package policy

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var paramTypes = map[string]any{
	TypeMaxNativeValue:     &MaxNativeValueParams{},
	TypeRecipientAllowlist: &RecipientAllowlistParams{},
	TypeCEL:                &CELParams{},
	TypeSigningRate:        &SigningRateParams{},
	TypeWASM:               &WASMParams{},
	TypeRego:               &RegoParams{},
}

// ParamSchemas returns the JSON schema of each built-in policy type's params.
func ParamSchemas() (map[string]json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	out := make(map[string]json.RawMessage, len(paramTypes))
	for name, v := range paramTypes {
		raw, err := json.Marshal(r.Reflect(v))
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}
