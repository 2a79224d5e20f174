package rpc

import (
	"encoding/json"
	"sort"

	"github.com/invopop/jsonschema"
)

// ProtocolSchema documents the envelope and the params of every method.
type ProtocolSchema struct {
	Envelope *jsonschema.Schema            `json:"envelope"`
	Methods  map[string]*jsonschema.Schema `json:"methods"`
	Order    []string                      `json:"method_order"`
}

func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		DoNotReference: true, // Inline all definitions instead of using $ref
		ExpandedStruct: true,
	}
}

// Schema reflects the envelope and each method's params prototype.
func Schema(methods map[string]any) *ProtocolSchema {
	r := reflector()
	out := &ProtocolSchema{
		Envelope: r.Reflect(&Envelope{}),
		Methods:  make(map[string]*jsonschema.Schema, len(methods)),
	}
	for name, proto := range methods {
		out.Methods[name] = r.Reflect(proto)
		out.Order = append(out.Order, name)
	}
	sort.Strings(out.Order)
	return out
}

// MarshalSchema renders Schema as indented JSON.
func MarshalSchema(methods map[string]any) ([]byte, error) {
	return json.MarshalIndent(Schema(methods), "", "  ")
}
