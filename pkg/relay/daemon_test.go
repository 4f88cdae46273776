package relay

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeKey32(t *testing.T) {
	var raw [32]byte
	raw[0] = 0x42
	encoded := base64.StdEncoding.EncodeToString(raw[:])

	got, err := decodeKey32(encoded)
	assert.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecodeKey32RejectsWrongLength(t *testing.T) {
	_, err := decodeKey32(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestDecodeKey32RejectsBadBase64(t *testing.T) {
	_, err := decodeKey32("not base64!!")
	assert.Error(t, err)
}
