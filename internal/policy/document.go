package policy

import (
	"encoding/json"
	"strings"

	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
)

// document is the JSON view of an Input handed to WASM and Rego policies.
type document struct {
	Kind        string              `json:"kind"`
	ChainID     string              `json:"chainId"`
	Sender      string              `json:"sender"`
	Destination string              `json:"destination"`
	Value       string              `json:"value"`
	NativeOut   string              `json:"nativeOut"`
	Targets     []string            `json:"targets"`
	Changes     []simulation.Change `json:"changes"`
	Request     params.Request      `json:"request"`
}

func newDocument(in Input) document {
	targets := make([]string, 0, len(in.Targets))
	for _, t := range in.Targets {
		targets = append(targets, strings.ToLower(t.Hex()))
	}

	changes := in.Changes
	if changes == nil {
		changes = []simulation.Change{}
	}

	return document{
		Kind:        string(in.Request.Kind()),
		ChainID:     in.Request.ChainID().String(),
		Sender:      strings.ToLower(in.Request.Sender().Hex()),
		Destination: strings.ToLower(in.Request.Destination().Hex()),
		Value:       in.Request.Value().String(),
		NativeOut:   nativeOutflow(in).String(),
		Targets:     targets,
		Changes:     changes,
		Request:     in.Request,
	}
}

// asMap round-trips the document through JSON so policy engines only see plain values.
func (d document) asMap() (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
