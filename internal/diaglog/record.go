// Package diaglog watches the agent's own log files for failures that never
// reach its primary output stream, such as provider authentication errors.
package diaglog

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Source emits diagnostic error records.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Records() <-chan Record
}

// Record is one error-level diagnostic entry.
type Record struct {
	Time       time.Time
	Level      string
	ErrorName  string
	StatusCode int
	ProviderID string
	SessionID  string
	Message    string
}

var authMarkers = []string{
	"unauthorized",
	"authentication",
	"invalid api key",
	"invalid_api_key",
	"invalid x-api-key",
	"api key not valid",
	"forbidden",
	"credentials",
}

// IsAuth reports whether the record looks like a provider authentication failure.
func (r Record) IsAuth() bool {
	if r.StatusCode == 401 || r.StatusCode == 403 {
		return true
	}
	text := strings.ToLower(r.ErrorName + " " + r.Message)
	for _, m := range authMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(r.ErrorName), "auth")
}

func (r Record) String() string {
	var b strings.Builder
	if r.ErrorName != "" {
		b.WriteString(r.ErrorName)
	} else {
		b.WriteString("error")
	}
	if r.StatusCode != 0 {
		b.WriteString(" (")
		b.WriteString(strconv.Itoa(r.StatusCode))
		b.WriteString(")")
	}
	if r.ProviderID != "" {
		b.WriteString(" from ")
		b.WriteString(r.ProviderID)
	}
	if r.Message != "" {
		b.WriteString(": ")
		b.WriteString(r.Message)
	}
	return b.String()
}

// ParseLine decodes one log line. Lines are either JSON objects or
// "LEVEL TIME [+elapsed] key=value ... message" records whose values may be
// shell-quoted. It reports false for lines that do not describe an error.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Record{}, false
	}
	var (
		rec Record
		ok  bool
	)
	if line[0] == '{' {
		rec, ok = parseJSONLine(line)
	} else {
		rec, ok = parseTextLine(line)
	}
	if !ok {
		return Record{}, false
	}
	isError := strings.EqualFold(rec.Level, "error") || rec.StatusCode >= 400 || rec.ErrorName != ""
	return rec, isError
}

func parseJSONLine(line string) (Record, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return Record{}, false
	}
	rec := Record{}
	for k, v := range fields {
		rec.apply(k, v)
	}
	return rec, true
}

func parseTextLine(line string) (Record, bool) {
	tokens, err := shellquote.Split(line)
	if err != nil {
		tokens = strings.Fields(line)
	}
	if len(tokens) == 0 {
		return Record{}, false
	}

	rec := Record{Level: strings.ToLower(tokens[0])}
	rest := tokens[1:]
	if len(rest) > 0 {
		if ts, ok := parseTime(rest[0]); ok {
			rec.Time = ts
			rest = rest[1:]
		}
	}

	var words []string
	for _, tok := range rest {
		if strings.HasPrefix(tok, "+") && strings.HasSuffix(tok, "ms") {
			continue
		}
		k, v, found := strings.Cut(tok, "=")
		if !found || k == "" || strings.ContainsAny(k, " \"'{") {
			words = append(words, tok)
			continue
		}
		rec.apply(k, decodeValue(v))
	}
	if rec.Message == "" && len(words) > 0 {
		rec.Message = strings.Join(words, " ")
	}
	return rec, true
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func decodeValue(v string) any {
	if strings.HasPrefix(v, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return obj
		}
	}
	return v
}

func (r *Record) apply(key string, value any) {
	switch strings.ToLower(key) {
	case "level":
		r.Level = strings.ToLower(asString(value))
	case "time", "timestamp", "ts":
		if ts, ok := parseTime(asString(value)); ok {
			r.Time = ts
		}
	case "providerid", "provider":
		r.ProviderID = asString(value)
	case "sessionid", "session":
		r.SessionID = asString(value)
	case "statuscode", "status":
		if n, ok := asInt(value); ok {
			r.StatusCode = n
		}
	case "errorname":
		r.ErrorName = asString(value)
	case "message", "msg":
		r.Message = asString(value)
	case "error", "err":
		if obj, ok := value.(map[string]any); ok {
			for k, v := range obj {
				if k == "name" {
					r.ErrorName = asString(v)
					continue
				}
				if k == "data" {
					if data, ok := v.(map[string]any); ok {
						for dk, dv := range data {
							r.apply(dk, dv)
						}
					}
					continue
				}
				r.apply(k, v)
			}
			return
		}
		if s := asString(value); s != "" {
			if r.ErrorName == "" {
				r.ErrorName = s
			} else if r.Message == "" {
				r.Message = s
			}
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
