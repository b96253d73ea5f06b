package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/neboloop/bropgw/internal/config"
)

type harness struct {
	g        *Gateway
	cdp      *httptest.Server
	native   *httptest.Server
	upstream *httptest.Server
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	nop := zerolog.Nop()
	g := New(Options{Config: config.Default(), Logger: &nop})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()

	h := &harness{
		g:        g,
		cdp:      httptest.NewServer(g.CDPHandler()),
		native:   httptest.NewServer(g.NativeHandler()),
		upstream: httptest.NewServer(g.UpstreamHandler()),
	}
	t.Cleanup(func() {
		cancel()
		<-done
		h.cdp.Close()
		h.native.Close()
		h.upstream.Close()
	})
	return h
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func writeJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (h *harness) connectExtension(t *testing.T) *websocket.Conn {
	t.Helper()
	ext := dial(t, wsURL(h.upstream, "/"))
	require.Eventually(t, func() bool {
		s, err := h.g.Status(context.Background())
		return err == nil && s.Upstream.Connected
	}, 3*time.Second, 10*time.Millisecond)
	return ext
}

func getJSON(t *testing.T, url string) (int, gjson.Result) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(body)
}

func TestDiscoveryEndpoints(t *testing.T) {
	h := startHarness(t)

	code, v := getJSON(t, h.cdp.URL+"/json/version")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, config.DefaultBrowserVersion, v.Get("Browser").String())
	assert.Equal(t, config.DefaultProtocolVersion, v.Get("Protocol-Version").String())
	host := strings.TrimPrefix(h.cdp.URL, "http://")
	assert.True(t, strings.HasPrefix(v.Get("webSocketDebuggerUrl").String(), "ws://"+host+"/devtools/browser/"))

	for _, path := range []string{"/json", "/json/list", "/json/list/"} {
		code, list := getJSON(t, h.cdp.URL+path)
		assert.Equal(t, http.StatusOK, code, path)
		require.True(t, list.IsArray(), path)
		assert.Equal(t, "browser", list.Get("0.type").String(), path)
	}

	code, nf := getJSON(t, h.cdp.URL+"/json/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Not found", nf.Get("error").String())

	req, err := http.NewRequest(http.MethodOptions, h.cdp.URL+"/json/version", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusEndpoint(t *testing.T) {
	h := startHarness(t)
	dial(t, wsURL(h.native, "/?name=inspector"))

	require.Eventually(t, func() bool {
		_, s := getJSON(t, h.cdp.URL+"/status")
		return s.Get("native_clients").Int() == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, s := getJSON(t, h.cdp.URL+"/status")
	assert.False(t, s.Get("upstream.connected").Bool())
	assert.Equal(t, "inspector", s.Get("clients.0.name").String())
}

func TestSecondExtensionRefused(t *testing.T) {
	h := startHarness(t)
	h.connectExtension(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.upstream, "/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExtensionReconnectsAfterDrop(t *testing.T) {
	h := startHarness(t)
	ext := h.connectExtension(t)
	require.NoError(t, ext.Close())

	require.Eventually(t, func() bool {
		s, err := h.g.Status(context.Background())
		return err == nil && !s.Upstream.Connected
	}, 3*time.Second, 10*time.Millisecond)

	h.connectExtension(t)
}

func TestCDPRoundTrip(t *testing.T) {
	h := startHarness(t)
	ext := h.connectExtension(t)
	client := dial(t, wsURL(h.cdp, "/devtools/browser/abc"))

	writeJSON(t, client, `{"id":1,"method":"Browser.getVersion"}`)
	v := readJSON(t, client)
	assert.Equal(t, int64(1), v.Get("id").Int())
	assert.Equal(t, config.DefaultBrowserVersion, v.Get("result.product").String())

	writeJSON(t, client, `{"id":2,"method":"Runtime.evaluate","params":{"expression":"1+1"}}`)
	env := readJSON(t, ext)
	assert.Equal(t, "cdp_command", env.Get("type").String())
	assert.Equal(t, "Runtime.evaluate", env.Get("method").String())

	writeJSON(t, ext, fmt.Sprintf(`{"type":"response","id":%d,"result":{"result":{"type":"number","value":2}}}`, env.Get("id").Int()))
	reply := readJSON(t, client)
	assert.Equal(t, int64(2), reply.Get("id").Int())
	assert.Equal(t, int64(2), reply.Get("result.result.value").Int())
}

func TestNativeRoundTrip(t *testing.T) {
	h := startHarness(t)
	client := dial(t, wsURL(h.native, "/"))

	writeJSON(t, client, `{"id":"a","method":"get_tabs"}`)
	down := readJSON(t, client)
	assert.Equal(t, "a", down.Get("id").String())
	assert.False(t, down.Get("success").Bool())

	ext := h.connectExtension(t)
	writeJSON(t, client, `{"id":"b","method":"get_tabs"}`)
	env := readJSON(t, ext)
	assert.Equal(t, "brop_command", env.Get("type").String())

	result, err := json.Marshal(map[string]any{"tabs": []int{1, 2}})
	require.NoError(t, err)
	writeJSON(t, ext, fmt.Sprintf(`{"type":"response","id":%d,"success":true,"result":%s}`, env.Get("id").Int(), result))
	reply := readJSON(t, client)
	assert.Equal(t, "b", reply.Get("id").String())
	assert.True(t, reply.Get("success").Bool())
	assert.Len(t, reply.Get("result.tabs").Array(), 2)

	// Dropping the extension fails what is still in flight.
	writeJSON(t, client, `{"id":"c","method":"get_tabs"}`)
	readJSON(t, ext)
	require.NoError(t, ext.Close())
	failed := readJSON(t, client)
	assert.Equal(t, "c", failed.Get("id").String())
	assert.False(t, failed.Get("success").Bool())
}

func TestRunStopsCleanly(t *testing.T) {
	nop := zerolog.Nop()
	g := New(Options{Config: config.Default(), Logger: &nop})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.Run(ctx) }()

	_, err := g.Status(ctx)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-errc)

	_, err = g.Status(context.Background())
	assert.Error(t, err)
}
