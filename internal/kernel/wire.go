package kernel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// wireDelimiter separates routing identities from the signed message parts.
var wireDelimiter = []byte("<IDS|MSG>")

// errBadSignature is returned for frames whose HMAC does not verify.
var errBadSignature = errors.New("invalid message signature")

// signer computes the hmac-sha256 signature over the four JSON parts of a
// wire message. An empty key disables signing, as the protocol allows.
type signer struct {
	key []byte
}

func (s signer) sign(parts ...[]byte) []byte {
	if len(s.key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func (s signer) verify(signature []byte, parts ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	return hmac.Equal(signature, s.sign(parts...))
}

// encodeFrames serializes msg into ZeroMQ frames:
//
//	<IDS|MSG>, signature, header, parent_header, metadata, content
func encodeFrames(msg *Message, s signer) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent_header: %w", err)
	}
	metadata := []byte("{}")
	if msg.Metadata != nil {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	content := []byte(msg.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}

	return [][]byte{
		wireDelimiter,
		s.sign(header, parent, metadata, content),
		header,
		parent,
		metadata,
		content,
	}, nil
}

// decodeFrames parses ZeroMQ frames into a Message. Identity and topic
// frames before the delimiter are skipped; extra buffers are ignored.
func decodeFrames(frames [][]byte, s signer) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, wireDelimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("missing %s delimiter", wireDelimiter)
	}
	if len(frames) < idx+6 {
		return nil, fmt.Errorf("truncated message: %d frames after delimiter", len(frames)-idx-1)
	}

	signature := frames[idx+1]
	header, parent, metadata, content := frames[idx+2], frames[idx+3], frames[idx+4], frames[idx+5]
	if !s.verify(signature, header, parent, metadata, content) {
		return nil, errBadSignature
	}

	msg := &Message{}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("decode parent_header: %w", err)
	}
	if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	msg.Content = append(json.RawMessage(nil), content...)
	return msg, nil
}
