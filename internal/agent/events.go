package agent

import (
	"encoding/json"
	"strings"
)

// Usage carries token totals from the agent's result event.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input + output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Event is the subset of the agent's stream-json wire format the
// supervisor recognises. All other lines are opaque.
type Event struct {
	Type      string
	SessionID string
	Usage     *Usage
	// Text is the concatenated text content of an assistant event.
	Text string
}

// IsInit reports whether the event announces a session. The agent
// emits this either as "init" or as a "system" message.
func (e Event) IsInit() bool {
	return e.Type == "init" || e.Type == "system"
}

// IsResult reports whether the event is the final per-invocation
// summary carrying usage totals.
func (e Event) IsResult() bool {
	return e.Type == "result"
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Usage     *Usage `json:"usage"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Content []contentBlock `json:"content"`
}

// ParseEvent attempts to decode a single output line as a JSON event.
// Returns false for anything that is not a JSON object with a type
// field; such lines are treated as opaque text by the caller.
func ParseEvent(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Event{}, false
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	if raw.Type == "" {
		return Event{}, false
	}

	event := Event{
		Type:      raw.Type,
		SessionID: raw.SessionID,
		Usage:     raw.Usage,
	}

	blocks := raw.Content
	if raw.Message != nil {
		blocks = raw.Message.Content
	}
	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	event.Text = strings.Join(texts, "\n")

	return event, true
}
