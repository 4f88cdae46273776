package relay

import (
	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

// classify validates a raw datagram's length against its declared message
// type and returns the type, or a MalformedDatagram error for anything that
// doesn't match one of the four known shapes. Only the first byte carries
// the type; the three reserved bytes after it are ignored.
func classify(data []byte) (uint32, *relayerrors.RelayError) {
	if len(data) < 4 {
		return 0, relayerrors.New(relayerrors.MalformedDatagram, "datagram shorter than type field")
	}

	msgType := uint32(data[0])
	switch msgType {
	case wgproto.MessageInitiationType:
		if len(data) != wgproto.MessageInitiationSize {
			return msgType, relayerrors.New(relayerrors.MalformedDatagram, "bad initiation length")
		}
	case wgproto.MessageResponseType:
		if len(data) != wgproto.MessageResponseSize {
			return msgType, relayerrors.New(relayerrors.MalformedDatagram, "bad response length")
		}
	case wgproto.MessageCookieReplyType:
		if len(data) != wgproto.MessageCookieReplySize {
			return msgType, relayerrors.New(relayerrors.MalformedDatagram, "bad cookie reply length")
		}
	case wgproto.MessageTransportType:
		if len(data) < wgproto.MinMessageTransportSize || (len(data)-wgproto.MessageTransportHeaderSize)%16 != 0 {
			return msgType, relayerrors.New(relayerrors.MalformedDatagram, "bad transport data length")
		}
	default:
		return msgType, relayerrors.New(relayerrors.MalformedDatagram, "unknown message type")
	}
	return msgType, nil
}

func messageTypeLabel(t uint32) string {
	switch t {
	case wgproto.MessageInitiationType:
		return "initiation"
	case wgproto.MessageResponseType:
		return "response"
	case wgproto.MessageCookieReplyType:
		return "cookie_reply"
	case wgproto.MessageTransportType:
		return "transport"
	default:
		return "unknown"
	}
}
