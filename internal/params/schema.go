package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	ischema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrMalformed    = errors.New("malformed request")
	ErrInvalid      = errors.New("invalid request")
	ErrBothVariants = errors.New("request must contain exactly one of transaction or userOp, got both")
	ErrNoVariant    = errors.New("request must contain exactly one of transaction or userOp, got neither")
)

const schemaURL = "ability-params.json"

// Schema validates raw caller input and normalizes it into a Request.
type Schema struct {
	doc      []byte
	compiled *jsonschema.Schema
}

// NewSchema reflects the wire structs into a JSON schema and compiles it.
func NewSchema() (*Schema, error) {
	r := ischema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(&WireRequest{})
	s.OneOf = []*ischema.Schema{
		{Required: []string{"transaction"}},
		{Required: []string{"userOp"}},
	}

	doc, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Schema{doc: doc, compiled: compiled}, nil
}

// Document returns the JSON schema served to callers.
func (s *Schema) Document() json.RawMessage {
	return json.RawMessage(s.doc)
}

// Parse validates raw input and returns the normalized request. It never
// touches the network.
func (s *Schema) Parse(raw []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return Request{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	if err := checkVariant(obj); err != nil {
		return Request{}, err
	}

	if err := s.compiled.Validate(doc); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var wire WireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := validate.Struct(wire); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	req, err := wire.toRequest()
	if err != nil {
		if errors.Is(err, ErrBothVariants) || errors.Is(err, ErrNoVariant) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return req, nil
}

func checkVariant(obj map[string]any) error {
	_, hasTx := obj["transaction"]
	_, hasOp := obj["userOp"]

	switch {
	case hasTx && hasOp:
		return ErrBothVariants
	case !hasTx && !hasOp:
		return ErrNoVariant
	}
	return nil
}
