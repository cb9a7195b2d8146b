package codegen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	eventNamePattern = regexp.MustCompile(`^[A-Z][a-zA-Z0-9_]*$`)
	paramNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	fixedBytes       = regexp.MustCompile(`^bytes([1-9]|[12][0-9]|3[0-2])$`)
	intPattern       = regexp.MustCompile(`^u?int(8|16|24|32|40|48|56|64|72|80|88|96|104|112|120|128|136|144|152|160|168|176|184|192|200|208|216|224|232|240|248|256)?$`) //nolint:lll
	fixedArray       = regexp.MustCompile(`\[\d+\]$`)
)

// EventParam is one parameter of an event signature.
type EventParam struct {
	Name    string // e.g. "from"
	Type    string // e.g. "address"
	Indexed bool
}

// EventSignature is a parsed solidity event signature.
type EventSignature struct {
	Raw    string
	Name   string
	Params []EventParam
}

// ParseEventSignature parses an event signature. Supported forms:
//   - "Transfer(address,address,uint256)"
//   - "Transfer(address indexed from, address indexed to, uint256 value)"
//   - "Transfer(address from, address to, uint256 value)"
//
// Unnamed parameters are named param<N> after their position.
func ParseEventSignature(sig string) (*EventSignature, error) {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return nil, fmt.Errorf("empty signature")
	}

	open := strings.Index(sig, "(")
	if open == -1 {
		return nil, fmt.Errorf("invalid signature: missing opening parenthesis")
	}

	name := strings.TrimSpace(sig[:open])
	if name == "" {
		return nil, fmt.Errorf("invalid signature: empty event name")
	}
	if !eventNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid event name '%s': must start "+
			"with uppercase letter and contain only alphanumeric characters", name)
	}

	closing := strings.LastIndex(sig, ")")
	if closing <= open {
		return nil, fmt.Errorf("invalid signature: missing or malformed closing parenthesis")
	}

	params, err := parseParameters(sig[open+1 : closing])
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	return &EventSignature{Raw: sig, Name: name, Params: params}, nil
}

func parseParameters(list string) ([]EventParam, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return []EventParam{}, nil
	}

	parts := splitParameters(list)
	params := make([]EventParam, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for i, part := range parts {
		param, err := parseParameter(strings.TrimSpace(part), i)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter '%s': %w", part, err)
		}

		if seen[param.Name] {
			return nil, fmt.Errorf("duplicate parameter name: %s", param.Name)
		}
		seen[param.Name] = true

		params = append(params, param)
	}

	return params, nil
}

// splitParameters splits on top-level commas so tuple types stay intact.
func splitParameters(list string) []string {
	var (
		params  []string
		current strings.Builder
		depth   int
	)

	for _, ch := range list {
		switch {
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == ',' && depth == 0:
			params = append(params, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(ch)
	}

	if current.Len() > 0 {
		params = append(params, current.String())
	}

	return params
}

// parseParameter accepts "type", "type name", "type indexed" and "type indexed name".
func parseParameter(s string, index int) (EventParam, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return EventParam{}, fmt.Errorf("empty parameter")
	}

	param := EventParam{Type: fields[0], Name: fmt.Sprintf("param%d", index)}
	if !isValidSolidityType(param.Type) {
		return EventParam{}, fmt.Errorf("invalid Solidity type: %s", param.Type)
	}

	switch len(fields) {
	case 1:
	case 2: //nolint:mnd
		if fields[1] == "indexed" {
			param.Indexed = true
		} else {
			param.Name = fields[1]
		}
	case 3: //nolint:mnd
		if fields[1] != "indexed" {
			return EventParam{}, fmt.Errorf("expected 'indexed' keyword, got '%s'", fields[1])
		}
		param.Indexed = true
		param.Name = fields[2]
	default:
		return EventParam{}, fmt.Errorf("too many parts in parameter definition")
	}

	if !paramNamePattern.MatchString(param.Name) {
		return EventParam{}, fmt.Errorf("invalid parameter name: %s", param.Name)
	}

	return param, nil
}

func isValidSolidityType(typ string) bool {
	switch {
	case typ == "address", typ == "bool", typ == "string", typ == "bytes":
		return true
	case fixedBytes.MatchString(typ), intPattern.MatchString(typ):
		return true
	case strings.HasSuffix(typ, "[]"):
		return isValidSolidityType(strings.TrimSuffix(typ, "[]"))
	case fixedArray.MatchString(typ):
		return isValidSolidityType(fixedArray.ReplaceAllString(typ, ""))
	default:
		return false
	}
}

// CanonicalSignature returns the signature without names or indexed markers,
// e.g. "Transfer(address,address,uint256)". This is the form manifests match on.
func (e *EventSignature) CanonicalSignature() string {
	types := make([]string, len(e.Params))
	for i, p := range e.Params {
		types[i] = p.Type
	}

	return e.Name + "(" + strings.Join(types, ",") + ")"
}

// Topic returns the topic0 hash logs of this event carry.
func (e *EventSignature) Topic() string {
	return crypto.Keccak256Hash([]byte(e.CanonicalSignature())).Hex()
}

// IndexedParams returns only the indexed parameters.
func (e *EventSignature) IndexedParams() []EventParam {
	var indexed []EventParam
	for _, p := range e.Params {
		if p.Indexed {
			indexed = append(indexed, p)
		}
	}
	return indexed
}

type abiArgument struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

type abiEvent struct {
	Type      string        `json:"type"`
	Name      string        `json:"name"`
	Anonymous bool          `json:"anonymous"`
	Inputs    []abiArgument `json:"inputs"`
}

// EventsABI encodes events as a contract ABI, which the scanner uses to decode event parameters.
func EventsABI(events []*EventSignature) ([]byte, error) {
	entries := make([]abiEvent, 0, len(events))
	for _, e := range events {
		inputs := make([]abiArgument, 0, len(e.Params))
		for _, p := range e.Params {
			inputs = append(inputs, abiArgument(p))
		}
		entries = append(entries, abiEvent{Type: "event", Name: e.Name, Inputs: inputs})
	}

	return json.MarshalIndent(entries, "", "  ")
}
