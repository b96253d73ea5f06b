package crashlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestRecoverLogsAndCounts(t *testing.T) {
	buf := captureLog(t)
	before := Panics()

	func() {
		defer Recover("loop", map[string]string{"event": "clientMessage"})
		panic("boom")
	}()

	assert.Equal(t, before+1, Panics())
	entry := gjson.Parse(buf.String())
	assert.Equal(t, "error", entry.Get("level").String())
	assert.Equal(t, "loop", entry.Get("module").String())
	assert.Equal(t, "boom", entry.Get("panic").String())
	assert.Equal(t, "clientMessage", entry.Get("event").String())
	assert.Contains(t, entry.Get("stack").String(), "goroutine")
}

func TestRecoverWithoutPanic(t *testing.T) {
	buf := captureLog(t)
	before := Panics()

	func() {
		defer Recover("loop", nil)
	}()

	assert.Equal(t, before, Panics())
	assert.Empty(t, buf.String())
}

func TestLogError(t *testing.T) {
	buf := captureLog(t)

	LogError("peer", nil, nil)
	assert.Empty(t, buf.String())

	LogError("peer", errors.New("write failed"), map[string]string{"client": "c1"})
	entry := gjson.Parse(buf.String())
	assert.Equal(t, "write failed", entry.Get("error").String())
	assert.Equal(t, "c1", entry.Get("client").String())
}
