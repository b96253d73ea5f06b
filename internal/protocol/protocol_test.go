package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNative(t *testing.T) {
	msg, err := DecodeNative([]byte(`{"id":"abc","method":"navigate","params":{"url":"https://example.com"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindNativeCommand, msg.Kind)
	assert.Equal(t, "navigate", msg.Native.Method)
	assert.JSONEq(t, `"abc"`, string(msg.Native.ID))

	msg, err = DecodeNative([]byte(`{"method":"get_tabs"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Native.ID)

	msg, err = DecodeNative([]byte(`{"id":null,"method":"get_tabs"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Native.ID)
}

func TestDecodeNative_Malformed(t *testing.T) {
	for _, frame := range []string{`{not json`, `{"id":1}`, `[]`} {
		_, err := DecodeNative([]byte(frame))
		assert.True(t, errors.Is(err, ErrMalformedMessage), frame)
	}
}

func TestDecodeCDP(t *testing.T) {
	msg, err := DecodeCDP([]byte(`{"id":2,"method":"Page.navigate","params":{"url":"https://example.com"},"sessionId":"S1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindCDPCommand, msg.Kind)
	assert.Equal(t, int64(2), msg.CDP.ID)
	assert.Equal(t, "S1", msg.CDP.SessionID)

	_, err = DecodeCDP([]byte(`{"id":"x","method":"Page.navigate"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeUpstream_Response(t *testing.T) {
	msg, err := DecodeUpstream([]byte(`{"type":"response","id":7,"success":true,"result":{"tabs":[]}}`))
	require.NoError(t, err)
	require.Equal(t, KindUpstreamResponse, msg.Kind)
	assert.True(t, msg.Response.Success)
	assert.JSONEq(t, `{"tabs":[]}`, string(msg.Response.Result))

	msg, err = DecodeUpstream([]byte(`{"type":"response","id":8,"error":{"code":-32601,"message":"nope"}}`))
	require.NoError(t, err)
	assert.False(t, msg.Response.Success)
	assert.Equal(t, "nope", msg.Response.Error)
	assert.Equal(t, int64(-32601), msg.Response.Code)

	msg, err = DecodeUpstream([]byte(`{"type":"response","id":9,"success":false}`))
	require.NoError(t, err)
	assert.Equal(t, "upstream command failed", msg.Response.Error)

	msg, err = DecodeUpstream([]byte(`{"type":"response","id":10,"result":{}}`))
	require.NoError(t, err)
	assert.True(t, msg.Response.Success)
}

func TestDecodeUpstream_Event(t *testing.T) {
	msg, err := DecodeUpstream([]byte(`{"type":"event","method":"Page.loadEventFired","params":{"timestamp":1},"targetId":"F1"}`))
	require.NoError(t, err)
	require.Equal(t, KindUpstreamEvent, msg.Kind)
	assert.Equal(t, "F1", msg.Event.TargetID)
	assert.JSONEq(t, `{"timestamp":1}`, string(msg.Event.Params))

	msg, err = DecodeUpstream([]byte(`{"type":"event","event_type":"tab_closed","tabId":3}`))
	require.NoError(t, err)
	assert.Equal(t, "tab_closed", msg.Event.Method)

	msg, err = DecodeUpstream([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUpstreamPong, msg.Kind)

	_, err = DecodeUpstream([]byte(`{"type":"mystery"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestIsBrowserScoped(t *testing.T) {
	assert.True(t, IsBrowserScoped("Target.attachedToTarget"))
	assert.True(t, IsBrowserScoped("Browser.downloadWillBegin"))
	assert.False(t, IsBrowserScoped("Page.loadEventFired"))
	assert.False(t, IsBrowserScoped("console_log"))
	assert.Equal(t, "", Domain("console_log"))
}

func TestWithSessionID(t *testing.T) {
	frame, err := Encode(CDPEvent{Method: "Page.loadEventFired", Params: json.RawMessage(`{"timestamp":1}`)})
	require.NoError(t, err)

	stamped, err := WithSessionID(frame, "S1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Page.loadEventFired","params":{"timestamp":1},"sessionId":"S1"}`, string(stamped))

	same, err := WithSessionID(frame, "")
	require.NoError(t, err)
	assert.Equal(t, frame, same)
}

func TestCDPFailureDefaultsCode(t *testing.T) {
	reply := CDPFailure(3, "S1", 0, "boom")
	assert.Equal(t, int64(CodeServerError), reply.Error.Code)
	data, err := Encode(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"error":{"code":-32000,"message":"boom"},"sessionId":"S1"}`, string(data))
}
