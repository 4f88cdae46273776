package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

func typedBuf(msgType uint32, size int) []byte {
	b := make([]byte, size)
	b[0] = byte(msgType)
	return b
}

func TestClassifyAcceptsWellFormedMessages(t *testing.T) {
	cases := []struct {
		name string
		typ  uint32
		size int
	}{
		{"initiation", wgproto.MessageInitiationType, wgproto.MessageInitiationSize},
		{"response", wgproto.MessageResponseType, wgproto.MessageResponseSize},
		{"cookie_reply", wgproto.MessageCookieReplyType, wgproto.MessageCookieReplySize},
		{"transport", wgproto.MessageTransportType, wgproto.MinMessageTransportSize},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			typ, err := classify(typedBuf(c.typ, c.size))
			assert.Nil(t, err)
			assert.Equal(t, c.typ, typ)
		})
	}
}

func TestClassifyRejectsBadLengths(t *testing.T) {
	_, err := classify(typedBuf(wgproto.MessageInitiationType, wgproto.MessageInitiationSize-1))
	if assert.NotNil(t, err) {
		assert.Equal(t, relayerrors.MalformedDatagram, err.Kind)
	}

	_, err = classify(typedBuf(wgproto.MessageTransportType, wgproto.MinMessageTransportSize+5))
	assert.NotNil(t, err, "transport content must be a multiple of 16 bytes")
}

func TestClassifyRejectsTooShortAndUnknownType(t *testing.T) {
	_, err := classify([]byte{1, 2})
	assert.NotNil(t, err)

	_, err = classify(typedBuf(99, 32))
	assert.NotNil(t, err)
}

func TestMessageTypeLabel(t *testing.T) {
	assert.Equal(t, "initiation", messageTypeLabel(wgproto.MessageInitiationType))
	assert.Equal(t, "unknown", messageTypeLabel(99))
}
