package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/sjson"
)

// Generic CDP server error code, used for gateway-synthesized failures.
const CodeServerError = -32000

// EmptyResult is the "{}" result of commands with no payload.
var EmptyResult = json.RawMessage(`{}`)

// CDPResult builds a success reply.
func CDPResult(id int64, sessionID string, result json.RawMessage) CDPReply {
	if len(result) == 0 {
		result = EmptyResult
	}
	return CDPReply{ID: id, Result: result, SessionID: sessionID}
}

// CDPFailure builds an error reply. A zero code becomes CodeServerError.
func CDPFailure(id int64, sessionID string, code int64, message string) CDPReply {
	if code == 0 {
		code = CodeServerError
	}
	return CDPReply{ID: id, Error: &CDPError{Code: code, Message: message}, SessionID: sessionID}
}

// NativeID renders a gateway-assigned numeric id as a native id.
func NativeID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// WithSessionID stamps sessionId onto an already encoded CDP frame.
func WithSessionID(frame []byte, sessionID string) ([]byte, error) {
	if sessionID == "" {
		return frame, nil
	}
	return sjson.SetBytes(frame, "sessionId", sessionID)
}

// Encode marshals any outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
