package a2a

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/pkg/core"
)

// normalizePayload builds the wire payload, filling every envelope
// field deterministically: message falls back to a "content" field,
// message_id and trace_id get fresh UUIDs when absent, thread_id
// defaults to message_id, timestamp to now.
func normalizePayload(sender, receiver string, message interface{}) map[string]interface{} {
	payload := map[string]interface{}{}

	switch m := message.(type) {
	case map[string]interface{}:
		for k, v := range m {
			payload[k] = v
		}
	case string:
		payload["message"] = m
	case nil:
	default:
		payload["message"] = m
	}

	if sender != "" {
		payload["sender"] = sender
	} else if _, ok := payload["sender"]; !ok {
		payload["sender"] = ""
	}
	if receiver != "" {
		payload["receiver"] = receiver
	} else if _, ok := payload["receiver"]; !ok {
		payload["receiver"] = ""
	}

	if _, ok := payload["message"]; !ok {
		if content, ok := payload["content"]; ok {
			payload["message"] = content
		} else {
			payload["message"] = ""
		}
	}

	messageID, _ := payload["message_id"].(string)
	if messageID == "" {
		messageID = uuid.NewString()
		payload["message_id"] = messageID
	}
	if threadID, _ := payload["thread_id"].(string); threadID == "" {
		payload["thread_id"] = messageID
	}
	if traceID, _ := payload["trace_id"].(string); traceID == "" {
		payload["trace_id"] = uuid.NewString()
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = core.Now()
	}

	return payload
}

// messageText extracts the message body as text for the local log.
func messageText(payload map[string]interface{}) string {
	switch m := payload["message"].(type) {
	case string:
		return m
	case nil:
		return ""
	default:
		data, _ := json.Marshal(m)
		return string(data)
	}
}
