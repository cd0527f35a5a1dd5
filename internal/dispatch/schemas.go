package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDefinition describes one protocol operation for tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// The five tool operations. Each input schema is fixed; unknown fields
// in a request are ignored, missing required fields fail validation
// before any store access.
var toolSchemas = []ToolDefinition{
	{
		Name:        "list_agents",
		Description: "List all registered agents and their descriptions.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"required": []
		}`),
	},
	{
		Name:        "send_message",
		Description: "Send a message to a specific agent by name. Returns the created message. Delivery is read-driven: the recipient retrieves it with get_messages.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string", "minLength": 1, "description": "Name of the recipient agent"},
				"content": {"type": "string", "description": "Message content to send"},
				"task_id": {"type": "string", "description": "Optional task ID to group related messages"}
			},
			"required": ["to", "content"]
		}`),
	},
	{
		Name:        "get_messages",
		Description: "Retrieve message history with optional filters, ordered oldest first.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "description": "Filter by task ID"},
				"sender": {"type": "string", "description": "Filter by sender agent name"},
				"recipient": {"type": "string", "description": "Filter by recipient agent name"},
				"since": {"type": "string", "format": "date-time", "description": "Only messages created at or after this instant (RFC 3339)"},
				"limit": {"type": "integer", "minimum": 1, "description": "Maximum number of messages to return"}
			},
			"required": []
		}`),
	},
	{
		Name:        "create_task",
		Description: "Create a new task to group related messages. Optionally set a time budget in seconds.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1, "description": "Title of the task"},
				"time_budget_secs": {"type": "integer", "minimum": 0, "description": "Optional time budget in seconds (e.g. 28800 for 8 hours)"}
			},
			"required": ["title"]
		}`),
	},
	{
		Name:        "get_task_status",
		Description: "Get the status of a task, including elapsed and remaining time.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "minLength": 1, "description": "The task ID to check"}
			},
			"required": ["task_id"]
		}`),
	},
}

// compiledSchemas validates tool inputs before any store access.
type compiledSchemas struct {
	byName map[string]*jsonschema.Schema
}

func compileSchemas() (*compiledSchemas, error) {
	c := jsonschema.NewCompiler()
	out := &compiledSchemas{byName: make(map[string]*jsonschema.Schema, len(toolSchemas))}
	for _, def := range toolSchemas {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which
		// the validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(def.InputSchema)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", def.Name, err)
		}
		resource := def.Name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", def.Name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", def.Name, err)
		}
		out.byName[def.Name] = schema
	}
	return out, nil
}

// validate checks raw arguments against the named tool's schema.
// Returns the decoded document on success.
func (cs *compiledSchemas) validate(tool string, raw json.RawMessage) (any, error) {
	schema, ok := cs.byName[tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Definitions returns the tool list for the protocol's tools/list call.
func Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(toolSchemas))
	copy(out, toolSchemas)
	return out
}
