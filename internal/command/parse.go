package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type wireCommand struct {
	ID              json.RawMessage `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Parameters      map[string]any  `json:"parameters"`
	Priority        json.RawMessage `json:"priority"`
	DeferUntil      string          `json:"defer_until"`
	ExecutionWindow string          `json:"execution_window"`
	MaxRetries      *int            `json:"max_retries"`
	IgnoreWindow    bool            `json:"ignore_window"`
}

// payloadKeys are checked in order when the payload arrives as an object.
var payloadKeys = []string{"command", "script", "path", "service", "url"}

// Parse decodes one command as sent by the remote API. Anything that is not
// an object, or that lacks an id, is rejected.
func Parse(data []byte) (*Command, error) {
	return ParseWithRetries(data, DefaultMaxRetries)
}

// ParseWithRetries is Parse with the retry budget used when the command
// does not carry max_retries.
func ParseWithRetries(data []byte, maxRetries int) (*Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrInvalidShape
	}

	var w wireCommand
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}

	id, err := parseID(w.ID)
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		ID:           id,
		Type:         Type(strings.ToLower(strings.TrimSpace(w.Type))),
		Parameters:   normalizeNumbers(w.Parameters),
		Priority:     PriorityNormal,
		MaxRetries:   max(maxRetries, 0),
		IgnoreWindow: w.IgnoreWindow,
	}
	if cmd.Parameters == nil {
		cmd.Parameters = make(map[string]any)
	}

	if err := cmd.applyPayload(w.Payload); err != nil {
		return nil, err
	}

	if len(w.Priority) > 0 && string(w.Priority) != "null" {
		p, err := parsePriorityValue(w.Priority)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", id, err)
		}
		cmd.Priority = p
	}

	if w.MaxRetries != nil {
		cmd.MaxRetries = *w.MaxRetries
		if cmd.MaxRetries < 0 {
			cmd.MaxRetries = 0
		}
	}

	if w.DeferUntil != "" {
		t, err := time.Parse(time.RFC3339, w.DeferUntil)
		if err != nil {
			return nil, fmt.Errorf("%w: command %s: defer_until: %v", ErrInvalidShape, id, err)
		}
		cmd.DeferUntil = t
	}

	if w.ExecutionWindow != "" {
		win, err := ParseWindow(w.ExecutionWindow)
		if err != nil {
			return nil, fmt.Errorf("%w: command %s: %v", ErrInvalidShape, id, err)
		}
		cmd.Window = win
	}

	return cmd, nil
}

func parseID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrMissingID
	}
	var id string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidShape, err)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		id = string(raw)
	default:
		return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidShape)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingID
	}
	return id, nil
}

func (c *Command) applyPayload(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &c.Payload)
	case '{':
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return fmt.Errorf("%w: payload: %v", ErrInvalidShape, err)
		}
		obj = normalizeNumbers(obj)
		for _, key := range payloadKeys {
			if s, ok := obj[key].(string); ok && c.Payload == "" {
				c.Payload = s
				delete(obj, key)
			}
		}
		for k, v := range obj {
			if _, exists := c.Parameters[k]; !exists {
				c.Parameters[k] = v
			}
		}
		return nil
	default:
		c.Payload = string(raw)
		return nil
	}
}

func parsePriorityValue(raw json.RawMessage) (Priority, error) {
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: priority: %v", ErrInvalidShape, err)
		}
	} else {
		s = string(raw)
	}
	p, ok := ParsePriority(s)
	if !ok {
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidShape, s)
	}
	if p < PriorityCritical {
		p = PriorityCritical
	}
	return p, nil
}

// normalizeNumbers turns json.Number values into float64 so parameter
// helpers only deal with the types encoding/json normally produces.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		switch val := v.(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				m[k] = f
			}
		case map[string]any:
			m[k] = normalizeNumbers(val)
		}
	}
	return m
}
