package ipc

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType is the type tag carried by every RPC envelope.
const EnvelopeType = "weh#rpc"

// EnvelopeKind distinguishes requests from responses.
type EnvelopeKind int

const (
	// KindUnknown is a well-formed JSON object that is neither a request
	// nor a response. The engine logs and drops it.
	KindUnknown EnvelopeKind = iota
	// KindRequest carries _request, _method and _args.
	KindRequest
	// KindResponse carries _reply and exactly one of _result or _error.
	KindResponse
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is a single RPC message.
//
// For requests ID is the correlation id chosen by the caller. For responses
// ID is the id of the request being answered.
type Envelope struct {
	Kind   EnvelopeKind
	ID     int64
	Method string
	Args   []json.RawMessage
	Result json.RawMessage
	// Error is the failure message of an error response. An empty Error on
	// a response means success.
	Error string
	// Invalid is set on a request whose id is usable but whose method or
	// arguments are malformed. The request must be answered with an error.
	Invalid string
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, args []json.RawMessage) *Envelope {
	return &Envelope{Kind: KindRequest, ID: id, Method: method, Args: args}
}

// NewResult builds a success response.
func NewResult(replyTo int64, result json.RawMessage) *Envelope {
	return &Envelope{Kind: KindResponse, ID: replyTo, Result: result}
}

// NewErrorReply builds an error response.
func NewErrorReply(replyTo int64, message string) *Envelope {
	return &Envelope{Kind: KindResponse, ID: replyTo, Error: message}
}

// IsError reports whether the envelope is an error response.
func (e *Envelope) IsError() bool {
	return e.Kind == KindResponse && e.Error != ""
}

type wireRequest struct {
	Type    string            `json:"type"`
	Request int64             `json:"_request"`
	Method  string            `json:"_method"`
	Args    []json.RawMessage `json:"_args"`
}

type wireResult struct {
	Type   string          `json:"type"`
	Reply  int64           `json:"_reply"`
	Result json.RawMessage `json:"_result"`
}

type wireError struct {
	Type  string `json:"type"`
	Reply int64  `json:"_reply"`
	Error string `json:"_error"`
}

// wireInbound accepts any combination of fields with any JSON type;
// classification happens after decoding.
type wireInbound struct {
	Request json.RawMessage `json:"_request"`
	Method  json.RawMessage `json:"_method"`
	Args    json.RawMessage `json:"_args"`
	Reply   json.RawMessage `json:"_reply"`
	Result  json.RawMessage `json:"_result"`
	Error   json.RawMessage `json:"_error"`
}

// envelopeID returns a non-zero integer id, or false.
func envelopeID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

var nullJSON = json.RawMessage("null")

// MarshalJSON renders the wire shape for the envelope kind.
// Requests always carry _args, responses carry exactly one of _result or _error.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindRequest:
		args := e.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		return Marshal(wireRequest{Type: EnvelopeType, Request: e.ID, Method: e.Method, Args: args})
	case KindResponse:
		if e.Error != "" {
			return Marshal(wireError{Type: EnvelopeType, Reply: e.ID, Error: e.Error})
		}
		result := e.Result
		if len(result) == 0 {
			result = nullJSON
		}
		return Marshal(wireResult{Type: EnvelopeType, Reply: e.ID, Result: result})
	default:
		return nil, fmt.Errorf("cannot encode envelope of kind %s", e.Kind)
	}
}

// UnmarshalJSON classifies an inbound object. A non-zero _reply wins over
// _request, matching how the extension side routes messages.
//
// Only data that is not a JSON object fails. An id that is not a non-zero
// integer makes the envelope KindUnknown; a mistyped _method or _args
// marks the request Invalid.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{}
	if id, ok := envelopeID(w.Reply); ok {
		e.Kind = KindResponse
		e.ID = id
		e.Result = w.Result
		if !isAbsent(w.Error) {
			var msg string
			if json.Unmarshal(w.Error, &msg) != nil {
				msg = string(w.Error)
			}
			e.Error = msg
		}
		if e.Error != "" {
			e.Result = nil
		}
		return nil
	}
	id, ok := envelopeID(w.Request)
	if !ok {
		e.Kind = KindUnknown
		return nil
	}
	e.Kind = KindRequest
	e.ID = id
	if err := json.Unmarshal(w.Method, &e.Method); err != nil || len(w.Method) == 0 {
		e.Method = ""
		e.Invalid = "_method must be a string"
		return nil
	}
	if !isAbsent(w.Args) {
		if err := json.Unmarshal(w.Args, &e.Args); err != nil {
			e.Args = nil
			e.Invalid = "_args must be an array"
		}
	}
	return nil
}

// DecodeEnvelope parses a frame payload.
// An empty payload, or one that is not a JSON object, is a fatal decode
// error. Mistyped fields inside an object are not.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "empty payload",
		}
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	return &env, nil
}
