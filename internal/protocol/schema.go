package protocol

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// paramSchemas holds per-method JSON Schemas for request params. Methods
// absent from this map accept any object (or no params at all).
var paramSchemas = map[string]string{
	MethodConnect: `{
		"type": "object",
		"required": ["minProtocol", "maxProtocol", "client"],
		"properties": {
			"minProtocol": {"type": "integer", "minimum": 0},
			"maxProtocol": {"type": "integer", "minimum": 0},
			"client": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"displayName": {"type": "string"},
					"version": {"type": "string"},
					"platform": {"type": "string"},
					"mode": {"type": "string"},
					"instanceId": {"type": "string"}
				}
			},
			"auth": {
				"type": "object",
				"properties": {
					"token": {"type": "string"},
					"password": {"type": "string"}
				}
			},
			"role": {"type": "string"},
			"scopes": {"type": "array", "items": {"type": "string"}},
			"locale": {"type": "string"},
			"userAgent": {"type": "string"}
		}
	}`,
	MethodChatSend: `{
		"type": "object",
		"required": ["sessionKey", "message"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"runId": {"type": "string"},
			"thinking": {"type": "string"},
			"attachments": {"type": "array"}
		}
	}`,
	MethodChatAbort: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"runId": {"type": "string"}
		}
	}`,
	MethodChatHistory: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1}
		}
	}`,
	MethodSend: `{
		"type": "object",
		"required": ["to", "message"],
		"properties": {
			"to": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"channel": {"type": "string"}
		}
	}`,
	MethodAgent: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"},
			"sessionKey": {"type": "string"},
			"thinking": {"type": "string"},
			"deliver": {"type": "boolean"},
			"channel": {"type": "string"},
			"to": {"type": "string"}
		}
	}`,
	MethodNodeInvoke: `{
		"type": "object",
		"required": ["nodeId", "command"],
		"properties": {
			"nodeId": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"params": {"type": "object"},
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
	MethodNodePairApprove: `{
		"type": "object",
		"required": ["requestId"],
		"properties": {"requestId": {"type": "string", "minLength": 1}}
	}`,
	MethodNodePairReject: `{
		"type": "object",
		"required": ["requestId"],
		"properties": {"requestId": {"type": "string", "minLength": 1}}
	}`,
	MethodNodePairVerify: `{
		"type": "object",
		"required": ["nodeId", "token"],
		"properties": {
			"nodeId": {"type": "string", "minLength": 1},
			"token": {"type": "string", "minLength": 1}
		}
	}`,
	MethodCronAdd: `{
		"type": "object",
		"required": ["name", "schedule"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"schedule": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"enabled": {"type": "boolean"}
		}
	}`,
	MethodCronUpdate: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"schedule": {"type": "string"},
			"message": {"type": "string"},
			"enabled": {"type": "boolean"}
		}
	}`,
	MethodSessionsPatch: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"thinkingLevel": {"type": "string"},
			"verboseLevel": {"type": "string"}
		}
	}`,
	MethodVoiceWakeSet: `{
		"type": "object",
		"required": ["enabled"],
		"properties": {
			"enabled": {"type": "boolean"},
			"phrase": {"type": "string"}
		}
	}`,
}

// SchemaRegistry validates request params against per-method schemas.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles every registered schema. Compilation failures
// are programmer errors and surface at startup.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	c := jsonschema.NewCompiler()
	for method, src := range paramSchemas {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires for correct integer checks.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", method, err)
		}
		if err := c.AddResource("mem://"+method+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", method, err)
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(paramSchemas))
	for method := range paramSchemas {
		sch, err := c.Compile("mem://" + method + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		compiled[method] = sch
	}
	return &SchemaRegistry{schemas: compiled}, nil
}

// Validate checks raw params for the given method. Methods without a
// registered schema accept anything.
func (r *SchemaRegistry) Validate(method string, raw []byte) error {
	sch, ok := r.schemas[method]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return NewError(CodeInvalidRequest, "params: invalid json: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return NewError(CodeInvalidRequest, "params: %v", err)
	}
	return nil
}
