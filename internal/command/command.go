// Package command delivers remote commands to an executor. The channel
// watches the device's command tree, decodes pending nodes, and dispatches
// each at most once per process lifetime.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Command statuses. Pending is the only dispatchable state; executed and
// failed are terminal and never reprocessed.
const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// Command is one remote instruction addressed to this device.
type Command struct {
	Date        string
	Timestamp   string
	Command     string
	Status      string
	Params      map[string]string
	Result      string
	LastUpdated int64
}

// Param returns a named parameter or a fallback.
func (c Command) Param(name, fallback string) string {
	if v, ok := c.Params[name]; ok && v != "" {
		return v
	}
	return fallback
}

// IntParam returns a named integer parameter or a fallback when missing or
// unparseable.
func (c Command) IntParam(name string, fallback int) int {
	v, ok := c.Params[name]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

const commandSchemaJSON = `{
	"type": "object",
	"required": ["command", "status"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["pending", "executed", "failed"]},
		"params": {"type": "object", "additionalProperties": {"type": "string"}},
		"result": {"type": "string"},
		"lastUpdated": {"type": "number"}
	}
}`

// compiledSchema caches the command schema. Compiling a static literal can
// only fail on a programming error, so failures push decoding onto the
// lenient path instead of aborting.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(commandSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal command schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("command.json", doc); err != nil {
		return nil, fmt.Errorf("add command schema resource: %w", err)
	}
	return c.Compile("command.json")
})

// Decode turns a raw command node into a Command. It first validates the
// node against the command schema and decodes strictly; nodes written by
// older or sloppier producers fail validation and fall back to a lenient
// field-by-field read that takes whatever fields are usable. Only a node
// with no usable command name is an error.
func Decode(date, timestamp string, raw map[string]any) (Command, error) {
	if cmd, err := decodeStrict(raw); err == nil {
		cmd.Date = date
		cmd.Timestamp = timestamp
		return cmd, nil
	}

	cmd := decodeLenient(raw)
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("command node %s/%s has no command name", date, timestamp)
	}
	cmd.Date = date
	cmd.Timestamp = timestamp
	return cmd, nil
}

func decodeStrict(raw map[string]any) (Command, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Command{}, err
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return Command{}, fmt.Errorf("marshal command node: %w", err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return Command{}, fmt.Errorf("reparse command node: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Command{}, fmt.Errorf("command schema: %w", err)
	}

	var node struct {
		Command     string            `json:"command"`
		Status      string            `json:"status"`
		Params      map[string]string `json:"params"`
		Result      string            `json:"result"`
		LastUpdated int64             `json:"lastUpdated"`
	}
	if err := json.Unmarshal(encoded, &node); err != nil {
		return Command{}, fmt.Errorf("decode command node: %w", err)
	}
	return Command{
		Command:     node.Command,
		Status:      node.Status,
		Params:      node.Params,
		Result:      node.Result,
		LastUpdated: node.LastUpdated,
	}, nil
}

// decodeLenient reads each field individually, skipping anything of the
// wrong shape rather than rejecting the node.
func decodeLenient(raw map[string]any) Command {
	var cmd Command
	if s, ok := raw["command"].(string); ok {
		cmd.Command = s
	}
	if s, ok := raw["status"].(string); ok {
		cmd.Status = s
	}
	if s, ok := raw["result"].(string); ok {
		cmd.Result = s
	}
	cmd.LastUpdated = asInt64(raw["lastUpdated"])
	if params, ok := raw["params"].(map[string]any); ok {
		cmd.Params = make(map[string]string, len(params))
		for k, v := range params {
			switch p := v.(type) {
			case string:
				cmd.Params[k] = p
			case float64:
				cmd.Params[k] = strconv.FormatFloat(p, 'f', -1, 64)
			case int64:
				cmd.Params[k] = strconv.FormatInt(p, 10)
			case bool:
				cmd.Params[k] = strconv.FormatBool(p)
			}
		}
	}
	return cmd
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
