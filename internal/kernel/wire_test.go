package kernel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T) *Message {
	t.Helper()
	msg, err := NewMessage(MsgExecuteRequest, "msg-1", "sess-1", "nbval", ExecuteRequest{Code: "1+1"})
	require.NoError(t, err)
	msg.ParentHeader = Header{MsgID: "parent-1", MsgType: MsgKernelInfoRequest}
	return msg
}

func TestEncodeFrames_Layout(t *testing.T) {
	msg := testMessage(t)
	frames, err := encodeFrames(msg, signer{key: []byte("secret")})
	require.NoError(t, err)

	require.Len(t, frames, 6)
	assert.Equal(t, wireDelimiter, frames[0])
	assert.Len(t, frames[1], 64, "hex sha256 signature")

	var header Header
	require.NoError(t, json.Unmarshal(frames[2], &header))
	assert.Equal(t, "msg-1", header.MsgID)
	assert.Equal(t, MsgExecuteRequest, header.MsgType)
	assert.JSONEq(t, `{}`, string(frames[4]))
}

func TestEncodeFrames_EmptyParentAndContent(t *testing.T) {
	msg := &Message{Header: Header{MsgID: "m", MsgType: MsgKernelInfoRequest}}
	frames, err := encodeFrames(msg, signer{})
	require.NoError(t, err)

	assert.Empty(t, frames[1], "no key, no signature")
	assert.Equal(t, "{}", string(frames[3]))
	assert.Equal(t, "{}", string(frames[4]))
	assert.Equal(t, "{}", string(frames[5]))
}

func TestDecodeFrames_SkipsIdentities(t *testing.T) {
	s := signer{key: []byte("secret")}
	msg := testMessage(t)
	frames, err := encodeFrames(msg, s)
	require.NoError(t, err)

	withIdentity := append([][]byte{[]byte("routing-id")}, frames...)
	got, err := decodeFrames(withIdentity, s)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", got.Header.MsgID)
	assert.Equal(t, "parent-1", got.ParentID())

	var req ExecuteRequest
	require.NoError(t, got.Decode(&req))
	assert.Equal(t, "1+1", req.Code)
}

func TestDecodeFrames_BadSignature(t *testing.T) {
	msg := testMessage(t)
	frames, err := encodeFrames(msg, signer{key: []byte("secret")})
	require.NoError(t, err)

	_, err = decodeFrames(frames, signer{key: []byte("other")})
	assert.ErrorIs(t, err, errBadSignature)
}

func TestDecodeFrames_TamperedContent(t *testing.T) {
	s := signer{key: []byte("secret")}
	frames, err := encodeFrames(testMessage(t), s)
	require.NoError(t, err)

	frames[5] = []byte(`{"code":"import os"}`)
	_, err = decodeFrames(frames, s)
	assert.ErrorIs(t, err, errBadSignature)
}

func TestDecodeFrames_Malformed(t *testing.T) {
	s := signer{}

	_, err := decodeFrames([][]byte{[]byte("header")}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delimiter")

	_, err = decodeFrames([][]byte{wireDelimiter, {}, []byte("{}")}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated message")

	_, err = decodeFrames([][]byte{wireDelimiter, {}, []byte("not json"), []byte("{}"), []byte("{}"), []byte("{}")}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode header")
}
