// Package stratum implements the downstream wire protocol: newline-delimited
// JSON Stratum V1 messages, line framing, and the command taxonomy the
// scheduler dispatches on.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message is a Stratum V1 JSON object, request or response.
type Message struct {
	ID     *int64      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// Recognized request methods.
const (
	MethodSubscribe = "mining.subscribe"
	MethodAuthorize = "mining.authorize"
	MethodSubmit    = "mining.submit"
)

// Marshal serializes m with a trailing newline, matching the wire framing
// every line on this protocol carries.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a single JSON line into m.
func (m *Message) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// NewSuccessResponse builds a `{id, result}` response line.
func NewSuccessResponse(id *int64, result interface{}) Message {
	return Message{ID: id, Result: result}
}

// NewErrorResponse builds a `{id, error}` response line.
func NewErrorResponse(id *int64, code int, message string, details interface{}) Message {
	return Message{ID: id, Error: []interface{}{code, message, details}}
}

// CommandKind tags the recognized command variants a wire line decodes to.
type CommandKind int

const (
	// KindUnknown covers unparseable lines, unrecognized methods, and
	// params that fail method-specific validation.
	KindUnknown CommandKind = iota
	KindPing
	KindSubscribe
	KindAuthorize
	KindSubmit
)

// Command is the decoded, validated form of one wire line.
type Command struct {
	Kind CommandKind
	ID   *int64

	// Subscribe params: user agent, optional session id to resume.
	SubscribeUserAgent string
	SubscribeSessionID string

	// Authorize params: worker name, optional password.
	AuthorizeWorker   string
	AuthorizePassword string

	// Submit params: worker, job id, extranonce2, ntime, nonce, optional
	// version bits (n_bits). Defaults to "000000" when absent per spec.
	SubmitWorker      string
	SubmitJobID       string
	SubmitExtranonce2 string
	SubmitNTime       string
	SubmitNonce       string
	SubmitNBits       string

	// Raw is the original line, used for forwarding the handshake verbatim
	// to the pool (authorize/subscribe are replayed upstream as received).
	Raw string
}

// ParseLine decodes and validates one newline-stripped wire line. It never
// returns an error: anything that does not decode to a recognized, valid
// command degrades to KindUnknown, per §4.1.
func ParseLine(line string) Command {
	if line == "PING" {
		return Command{Kind: KindPing, Raw: line}
	}

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return Command{Kind: KindUnknown, Raw: line}
	}

	switch msg.Method {
	case MethodSubmit:
		return parseSubmit(msg, line)
	case MethodAuthorize:
		return parseAuthorize(msg, line)
	case MethodSubscribe:
		return parseSubscribe(msg, line)
	case "mining.ping", "ping":
		return Command{Kind: KindPing, ID: msg.ID, Raw: line}
	default:
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
}

func paramsArray(msg Message) ([]interface{}, bool) {
	arr, ok := msg.Params.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, false
	}
	return arr, true
}

// coerce applies the positional field coercion policy from §4.1: strings
// pass through, numbers become decimal strings, booleans become lowercase
// strings, everything else (null, objects, arrays) is missing.
func coerce(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), true
		}
		return fmt.Sprintf("%v", t), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func parseSubmit(msg Message, line string) Command {
	arr, ok := paramsArray(msg)
	if !ok || len(arr) < 5 || len(arr) > 6 {
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
	worker, ok1 := coerce(arr[0])
	jobID, ok2 := coerce(arr[1])
	ex2, ok3 := coerce(arr[2])
	ntime, ok4 := coerce(arr[3])
	nonce, ok5 := coerce(arr[4])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
	nbits := "000000"
	if len(arr) == 6 {
		if v, ok := coerce(arr[5]); ok {
			nbits = v
		}
	}
	return Command{
		Kind:              KindSubmit,
		ID:                msg.ID,
		SubmitWorker:      worker,
		SubmitJobID:       jobID,
		SubmitExtranonce2: ex2,
		SubmitNTime:       ntime,
		SubmitNonce:       nonce,
		SubmitNBits:       nbits,
		Raw:               line,
	}
}

func parseAuthorize(msg Message, line string) Command {
	arr, ok := paramsArray(msg)
	if !ok || len(arr) < 1 || len(arr) > 2 {
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
	worker, ok1 := coerce(arr[0])
	if !ok1 {
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
	password := ""
	if len(arr) == 2 {
		if v, ok := coerce(arr[1]); ok {
			password = v
		}
	}
	return Command{
		Kind:              KindAuthorize,
		ID:                msg.ID,
		AuthorizeWorker:   worker,
		AuthorizePassword: password,
		Raw:               line,
	}
}

func parseSubscribe(msg Message, line string) Command {
	arr, ok := paramsArray(msg)
	if !ok || len(arr) < 1 || len(arr) > 2 {
		return Command{Kind: KindUnknown, ID: msg.ID, Raw: line}
	}
	agent, ok1 := coerce(arr[0])
	if !ok1 {
		agent = "Unknown"
	}
	sessionID := ""
	if len(arr) == 2 {
		if v, ok := coerce(arr[1]); ok {
			sessionID = v
		}
	}
	return Command{
		Kind:               KindSubscribe,
		ID:                 msg.ID,
		SubscribeUserAgent: agent,
		SubscribeSessionID: sessionID,
		Raw:                line,
	}
}
