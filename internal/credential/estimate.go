package credential

import (
	"encoding/json"
)

const (
	// charsPerToken is the crude chars-per-token ratio used for admission
	// estimates. English averages ~4 chars/token. Actual usage reported by
	// the upstream is authoritative for charging.
	charsPerToken = 4

	// perMessageOverhead covers role and framing tokens per message.
	perMessageOverhead = 4

	// defaultMaxTokens is the output ceiling assumed when the request does
	// not carry an explicit max_tokens hint.
	defaultMaxTokens = 1024
)

// Message is the subset of a chat message needed for token estimation.
// Content is either a plain string (OpenAI) or an array of content blocks
// (Anthropic); both shapes are handled.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of an Anthropic-style content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EstimateTokens estimates the upstream token cost of a request: summed
// message content characters divided by charsPerToken, plus a fixed
// per-message overhead, plus the max_tokens hint (defaultMaxTokens when the
// hint is absent or zero). Used for admission only.
func EstimateTokens(messages []Message, system string, maxTokens int64) int64 {
	var chars int64
	for _, m := range messages {
		chars += contentChars(m.Content)
	}
	chars += int64(len(system))

	est := chars/charsPerToken + int64(len(messages))*perMessageOverhead
	if maxTokens > 0 {
		est += maxTokens
	} else {
		est += defaultMaxTokens
	}
	return est
}

// contentChars counts the text characters in a message content value.
// Unparseable content counts its raw length, which overestimates slightly;
// overestimating at admission is the safe direction.
func contentChars(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return int64(len(s))
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var n int64
		for _, b := range blocks {
			n += int64(len(b.Text))
		}
		return n
	}
	return int64(len(raw))
}
