package main

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// requestPermission sends a can_use_tool control request and blocks on the
// control response. Returns true when the decision is allow. Anything else
// on stdin while waiting is skipped; the supervisor does not send user
// messages during an assistant turn.
func requestPermission(enc *json.Encoder, scanner *bufio.Scanner, toolName, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("perm-%s", toolUseID)

	_ = enc.Encode(controlRequestMsg{
		Type:      "control_request",
		RequestID: requestID,
		Request: controlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != "control_response" || msg.Response == nil {
			continue
		}
		if msg.Response.Result != nil {
			return msg.Response.Result.Behavior == "allow"
		}
		// An error response counts as a denial.
		return false
	}
	return false
}
