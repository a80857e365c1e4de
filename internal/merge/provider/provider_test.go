package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeFrame(t *testing.T) {
	kind, payload := decodeFrame(encodeFrame(frameUpdate, []byte("hello")))
	assert.Equal(t, frameUpdate, kind)
	assert.Equal(t, []byte("hello"), payload)
}

func TestDecodeFrame_Empty(t *testing.T) {
	kind, payload := decodeFrame(nil)
	assert.Equal(t, frameKind(0), kind)
	assert.Nil(t, payload)
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	delay := reconnectInitialDelay
	for i := 0; i < 20; i++ {
		delay = nextBackoff(delay)
		assert.LessOrEqual(t, delay, reconnectMaxDelay+reconnectMaxDelay/4)
	}
}

func TestToWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://host/a", toWebsocketURL("http://host/a"))
	assert.Equal(t, "wss://host/a", toWebsocketURL("https://host/a"))
	assert.Equal(t, "wss://host/a", toWebsocketURL("host/a"))
	assert.Equal(t, "ws://already", toWebsocketURL("ws://already"))
}

func TestClientToken_ExpiryOptional(t *testing.T) {
	tok := ClientToken{URL: "https://x", DocID: "d1", Token: "t"}
	assert.Nil(t, tok.ExpiryTime)
	now := time.Now()
	tok.ExpiryTime = &now
	assert.NotNil(t, tok.ExpiryTime)
}
