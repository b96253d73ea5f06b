package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestPeerWriteFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	p := &peer{remote: "10.0.0.1:5"}
	p.writeFailed(fmt.Errorf("write: %w", net.ErrClosed))
	p.writeFailed(websocket.ErrCloseSent)
	assert.Empty(t, buf.String(), "writes racing a close are not errors")

	p.writeFailed(errors.New("broken pipe"))
	entry := gjson.Parse(buf.String())
	assert.Equal(t, "error", entry.Get("level").String())
	assert.Equal(t, "peer", entry.Get("module").String())
	assert.Equal(t, "10.0.0.1:5", entry.Get("remote").String())
	assert.Equal(t, "broken pipe", entry.Get("error").String())
}
