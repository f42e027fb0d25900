package wasmtest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLEB128(t *testing.T) {
	assert.Equal(t, []byte{0x00}, uleb(0))
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, uleb(624485))
	assert.Equal(t, []byte{0x3f}, sleb(63))
	assert.Equal(t, []byte{0xc0, 0x00}, sleb(64))
	assert.Equal(t, []byte{0x7f}, sleb(-1))
	assert.Equal(t, []byte{0x80, 0x08}, sleb(1024))
}

func TestBytesHeader(t *testing.T) {
	wasm := New().Print("hi").Bytes()
	assert.True(t, bytes.HasPrefix(wasm, []byte("\x00asm\x01\x00\x00\x00")))
}

func TestImportsAreShared(t *testing.T) {
	p := New().Print("a").Print("b").Exit(0)
	assert.Len(t, p.imports, 2)
}
