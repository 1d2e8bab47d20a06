package action

import (
	"bytes"
	"encoding/json"
)

type envelope struct {
	Action     Kind   `json:"action"`
	Parameters Action `json:"parameters"`
}

// Encode renders a in the canonical wire form
// {"action": <kind>, "parameters": {...}}.
func Encode(a Action) string {
	if a == nil {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope{Action: a.Kind(), Parameters: a}); err != nil {
		return `{"action":"` + string(a.Kind()) + `"}`
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
