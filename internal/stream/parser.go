package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/sevir/capataz/internal/logging"
)

// DefaultMaxLineSize bounds a single buffered line.
const DefaultMaxLineSize = 1024 * 1024

var (
	// ErrMalformedLine is reported for JSON-looking lines that fail to decode.
	ErrMalformedLine = errors.New("malformed protocol line")
	// ErrLineTooLong is reported when a line exceeds the buffer limit.
	ErrLineTooLong = errors.New("protocol line too long")
)

// Warning is a non-fatal parse problem.
type Warning struct {
	Err  error
	Line string
}

func (w Warning) Error() string {
	return fmt.Sprintf("%v: %s", w.Err, truncate(w.Line, 120))
}

func (w Warning) Unwrap() error { return w.Err }

// Parser incrementally decodes newline-delimited JSON events from a terminal
// byte stream. It buffers partial lines across Feed calls, so messages come
// out in stream order regardless of how reads are fragmented. It is not safe
// for concurrent use.
type Parser struct {
	buf       []byte
	maxLine   int
	dropping  bool
	warnings  int
	log       *logging.Logger
	onWarning func(Warning)
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

// WithLogger sets the logger used for parse warnings.
func WithLogger(l *logging.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// WithWarningHandler registers a hook called for every parse warning.
func WithWarningHandler(fn func(Warning)) Option {
	return func(p *Parser) { p.onWarning = fn }
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		maxLine: DefaultMaxLineSize,
		log:     logging.Component("stream"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes a chunk of raw output and returns every message completed by it.
func (p *Parser) Feed(chunk []byte) []Message {
	var out []Message
	for len(chunk) > 0 {
		i := bytes.IndexAny(chunk, "\r\n")
		if i < 0 {
			p.appendPartial(chunk)
			break
		}
		p.appendPartial(chunk[:i])
		chunk = chunk[i+1:]

		if p.dropping {
			p.dropping = false
			p.buf = p.buf[:0]
			continue
		}
		if msg, ok := p.parseLine(p.buf); ok {
			out = append(out, msg)
		}
		p.buf = p.buf[:0]
	}
	return out
}

// Flush parses whatever remains buffered, for use once the stream has ended.
func (p *Parser) Flush() []Message {
	defer func() {
		p.buf = p.buf[:0]
		p.dropping = false
	}()
	if p.dropping || len(p.buf) == 0 {
		return nil
	}
	if msg, ok := p.parseLine(p.buf); ok {
		return []Message{msg}
	}
	return nil
}

// Reset discards buffered state, keeping options.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.dropping = false
}

// Warnings returns how many parse warnings have been raised.
func (p *Parser) Warnings() int {
	return p.warnings
}

func (p *Parser) appendPartial(b []byte) {
	if p.dropping {
		return
	}
	if len(p.buf)+len(b) > p.maxLine {
		p.warn(Warning{Err: ErrLineTooLong, Line: string(p.buf)})
		p.buf = p.buf[:0]
		p.dropping = true
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *Parser) parseLine(raw []byte) (Message, bool) {
	line := strings.TrimSpace(ansi.Strip(string(raw)))
	if line == "" {
		return Message{}, false
	}
	if line[0] != '{' {
		// Banner, prompt echo or other human-oriented output.
		p.log.Debugf("skipping non-protocol output: %s", truncate(line, 200))
		return Message{}, false
	}

	var ev wireEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		p.warn(Warning{Err: fmt.Errorf("%w: %v", ErrMalformedLine, err), Line: line})
		return Message{}, false
	}
	msg, ok := convert(ev)
	if !ok {
		p.log.Debugf("ignoring event type %q", ev.Type)
		return Message{}, false
	}
	msg.Raw = json.RawMessage(line)
	return msg, true
}

func (p *Parser) warn(w Warning) {
	p.warnings++
	p.log.Event("warn").Err(w.Err).Str("line", truncate(w.Line, 200)).Msg("protocol parse warning")
	if p.onWarning != nil {
		p.onWarning(w)
	}
}

func convert(ev wireEvent) (Message, bool) {
	msg := Message{SessionID: ev.SessionID, RequestID: ev.ID}
	if ev.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(int64(ev.Timestamp))
	}
	part := ev.Part
	if part == nil {
		part = &wirePart{}
	}
	if msg.SessionID == "" {
		msg.SessionID = part.SessionID
	}

	switch Kind(ev.Type) {
	case KindStepStart:
		msg.Kind = KindStepStart
	case KindText:
		msg.Kind = KindText
		switch {
		case part.Delta != "":
			msg.Text, msg.Delta = part.Delta, true
		case ev.Delta != "":
			msg.Text, msg.Delta = ev.Delta, true
		case part.Text != "":
			msg.Text = part.Text
		default:
			msg.Text = ev.Text
		}
	case KindToolCall, KindToolUse, KindToolResult:
		msg.Kind = Kind(ev.Type)
		msg.Tool = convertTool(part)
	case KindStepFinish:
		msg.Kind = KindStepFinish
		msg.Finish = &StepFinish{
			Reason: FinishReason(part.Reason),
			Cost:   part.Cost,
			Tokens: part.Tokens,
		}
	case KindError:
		msg.Kind = KindError
		msg.Err = convertError(ev)
	case KindSessionCreated, KindSessionIdle:
		msg.Kind = Kind(ev.Type)
	default:
		return Message{}, false
	}
	return msg, true
}

func convertTool(part *wirePart) *ToolPart {
	tool := &ToolPart{CallID: part.CallID, Name: part.Tool}
	if st := part.State; st != nil {
		tool.Status = st.Status
		tool.Title = st.Title
		tool.Input = st.Input
		switch out := st.Output.(type) {
		case nil:
		case string:
			tool.Output = out
		default:
			if b, err := json.Marshal(out); err == nil {
				tool.Output = string(b)
			}
		}
	}
	return tool
}

func convertError(ev wireEvent) *ErrorPart {
	if len(ev.Error) == 0 {
		return &ErrorPart{Message: ev.Text}
	}
	var s string
	if err := json.Unmarshal(ev.Error, &s); err == nil {
		return &ErrorPart{Message: s}
	}
	var we wireError
	if err := json.Unmarshal(ev.Error, &we); err != nil {
		return &ErrorPart{Message: string(ev.Error)}
	}
	e := &ErrorPart{
		Name:       we.Name,
		Message:    we.Data.Message,
		StatusCode: we.Data.StatusCode,
		ProviderID: we.Data.ProviderID,
	}
	if e.Message == "" {
		e.Message = we.Message
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
