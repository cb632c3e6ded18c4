package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MalformedResponseError reports an oracle reply that is not the expected
// JSON document. Fragment holds the start of the raw reply for logging.
type MalformedResponseError struct {
	Fragment string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed oracle response %q: %v", e.Fragment, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

const fragmentRunes = 200

type response struct {
	Schedules    []scheduleItem    `json:"schedules"`
	NonSchedules []nonScheduleItem `json:"non_schedules"`
}

type scheduleItem struct {
	MessageID     looseString   `json:"message_id"`
	Content       string        `json:"content"`
	Author        string        `json:"author"`
	Channel       string        `json:"channel"`
	CreatedAt     string        `json:"created_at"`
	ScheduleType  string        `json:"schedule_type"`
	Confidence    looseFloat    `json:"confidence"`
	ExtractedInfo extractedInfo `json:"extracted_info"`
	Reason        string        `json:"reason"`
}

type extractedInfo struct {
	When  string `json:"when"`
	What  string `json:"what"`
	Where string `json:"where"`
}

type nonScheduleItem struct {
	MessageID looseString `json:"message_id"`
	Content   string      `json:"content"`
	Reason    string      `json:"reason"`
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	*s = looseString(n.String())
	return nil
}

// looseFloat accepts a JSON number or a numeric string.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	*f = looseFloat(v)
	return nil
}

// parseResponse extracts the JSON document from an oracle reply. Replies
// wrapped in a markdown code fence or surrounded by prose are accepted.
func parseResponse(raw string) (*response, error) {
	body := stripFence(raw)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return nil, &MalformedResponseError{Fragment: fragment(raw), Err: fmt.Errorf("no JSON object found")}
	}

	var resp response
	if err := json.Unmarshal([]byte(body[start:end+1]), &resp); err != nil {
		return nil, &MalformedResponseError{Fragment: fragment(raw), Err: err}
	}
	return &resp, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	rest := s[open+3:]
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func fragment(raw string) string {
	if utf8.RuneCountInString(raw) <= fragmentRunes {
		return raw
	}
	runes := []rune(raw)
	return string(runes[:fragmentRunes]) + "..."
}
