package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	directiveOpen  = "[[tool:"
	directiveClose = "]]"
)

// ErrMalformedDirective is wrapped by every directive parse failure
var ErrMalformedDirective = errors.New("malformed tool directive")

// Directive is one [[tool:NAME {json}]] marker
type Directive struct {
	Name    string
	RawArgs string
	Args    map[string]interface{}
}

// ParseDirectives extracts directives left to right and returns them with the
// leading text, trimmed. Text after the first directive is not part of the
// output.
func ParseDirectives(input string) ([]Directive, string, error) {
	var (
		directives []Directive
		leading    = input
		rest       = input
	)

	for {
		start := strings.Index(rest, directiveOpen)
		if start < 0 {
			break
		}
		if directives == nil {
			leading = rest[:start]
		}
		body := rest[start+len(directiveOpen):]

		d, consumed, err := parseDirectiveBody(body)
		if err != nil {
			return nil, "", fmt.Errorf("%w at offset %d: %v", ErrMalformedDirective, len(input)-len(rest)+start, err)
		}
		directives = append(directives, d)
		rest = body[consumed:]
	}

	return directives, strings.TrimSpace(leading), nil
}

// parseDirectiveBody reads `NAME {json}]]` and returns how many bytes it used
func parseDirectiveBody(body string) (Directive, int, error) {
	i := 0
	for i < len(body) && !isSpace(body[i]) && body[i] != '{' && body[i] != ']' {
		i++
	}
	name := body[:i]
	if name == "" {
		return Directive{}, 0, errors.New("missing tool name")
	}

	for i < len(body) && isSpace(body[i]) {
		i++
	}

	d := Directive{Name: name, RawArgs: "{}", Args: map[string]interface{}{}}

	if i < len(body) && body[i] != ']' {
		if body[i] != '{' {
			return Directive{}, 0, fmt.Errorf("arguments of %s must be a JSON object", name)
		}
		dec := json.NewDecoder(strings.NewReader(body[i:]))
		dec.UseNumber()
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Directive{}, 0, fmt.Errorf("arguments of %s: %v", name, err)
		}
		args, err := decodeArgs(raw)
		if err != nil {
			return Directive{}, 0, fmt.Errorf("arguments of %s: %v", name, err)
		}
		d.RawArgs = string(raw)
		d.Args = args
		i += int(dec.InputOffset())
		for i < len(body) && isSpace(body[i]) {
			i++
		}
	}

	if !strings.HasPrefix(body[i:], directiveClose) {
		return Directive{}, 0, fmt.Errorf("directive %s is not closed with %s", name, directiveClose)
	}
	return d, i + len(directiveClose), nil
}

// decodeArgs turns a JSON object into plain Go values with float64 numbers
func decodeArgs(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("must be a JSON object")
	}
	var args map[string]interface{}
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// encodeArgs renders model-issued arguments for tool_call_delta
func encodeArgs(args map[string]interface{}) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	return string(data), nil
}
