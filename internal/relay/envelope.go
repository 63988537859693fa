// Package relay implements the named-pipe IPC fabric a bootstrapped agent
// uses to reach the relay server: JSON request/response envelopes over a
// pair of FIFOs per connection, plus a remote-shell facade built on top of
// it.
package relay

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/antigravity-dev/metasmith/internal/hashing"
)

var idGen = hashing.New(false)

// GenerateID returns a 12-glyph message/channel id, unique enough for one
// relay session without needing a shared namespace across processes.
func GenerateID() string {
	return idGen.GenerateUID(12, nil)
}

var ansiPattern = regexp.MustCompile("\x1b(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")

// StripANSI removes terminal color/escape/control sequences from s.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// RemoveTrailingNewline trims trailing "\n"/"\r" runs from s.
func RemoveTrailingNewline(s string) string {
	return strings.TrimRight(s, "\n\r")
}

// RemoveLeadingIndent strips the first line's leading whitespace from every
// line of a multi-line shell command, the way a Python triple-quoted
// string literal ends up indented when embedded in calling code.
func RemoveLeadingIndent(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 {
		return s
	}
	indent := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		for _, c := range line {
			if c != ' ' && c != '\t' {
				break
			}
			indent++
		}
		break
	}
	cleaned := make([]string, len(lines))
	for i, l := range lines {
		if len(l) > indent {
			cleaned[i] = l[indent:]
		} else {
			cleaned[i] = ""
		}
	}
	out := strings.TrimSpace(strings.Join(cleaned, "\n"))
	if len(lines) > 0 {
		last := lines[len(lines)-1]
		if len(last) <= indent || last[indent:] == "" {
			out += "\n"
		}
	}
	return out
}

// Request is the envelope a client sends: a named endpoint plus a data
// payload, tagged with a message id the response must echo back.
type Request struct {
	MessageID string         `json:"message_id"`
	Endpoint  string         `json:"endpoint"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewRequest builds a Request with a freshly generated message id.
func NewRequest(endpoint string, data map[string]any) Request {
	if data == nil {
		data = map[string]any{}
	}
	return Request{MessageID: GenerateID(), Endpoint: endpoint, Data: data}
}

// Serialize renders the request as its wire-format JSON line.
func (r Request) Serialize() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Response is the envelope a server sends back: an HTTP-style status code
// and a data payload, tagged with the message id it answers.
type Response struct {
	MessageID string         `json:"message_id"`
	Status    int            `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	ParseErr  string         `json:"-"`
}

// ParseResponse decodes a wire-format JSON line into a Response. A
// malformed line is returned as a Response whose ParseErr is set instead of
// as a Go error, matching the original's tolerant IpcModel.Parse: callers
// that only care whether something usable came back can check ParseErr
// without a type switch.
func ParseResponse(raw string) Response {
	var r Response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Response{ParseErr: err.Error()}
	}
	return r
}

// IsValid reports whether the response parsed cleanly.
func (r Response) IsValid() bool { return r.ParseErr == "" }

// Serialize renders the response as its wire-format JSON line.
func (r Response) Serialize() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// NewResponse builds a Response answering messageID.
func NewResponse(messageID string, status int, data map[string]any) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{MessageID: messageID, Status: status, Data: data}
}

func unmarshalRequest(raw string, r *Request) error {
	return json.Unmarshal([]byte(raw), r)
}
