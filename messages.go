package main

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/teamdocs/coedit-api/ot"
)

// Inbound message kinds. Outbound kinds live in the session package.
const (
	msgOperation    = "operation"
	msgCursorUpdate = "cursor_update"
	msgTypingStart  = "typing_start"
	msgTypingStop   = "typing_stop"
	msgHeartbeat    = "heartbeat"
	msgLeave        = "leave"
)

type operationPayload struct {
	Op ot.Operation `mapstructure:"op"`
}

type cursorPayload struct {
	Position int `mapstructure:"position"`
}

// decodeInbound parses a raw client frame into its kind plus the untyped
// payload map for per-kind decoding.
func decodeInbound(raw []byte) (string, map[string]interface{}, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("malformed message: %w", err)
	}
	kind, ok := envelope["type"].(string)
	if !ok || kind == "" {
		return "", nil, fmt.Errorf("malformed message: missing type")
	}
	return kind, envelope, nil
}

func decodePayload(envelope map[string]interface{}, out interface{}) error {
	if err := mapstructure.Decode(envelope, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
