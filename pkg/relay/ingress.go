package relay

import (
	"context"
	"strconv"

	"golang.zx2c4.com/wireguard/conn"

	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/noise"
	"github.com/2gc-dev/wgx/pkg/session"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

const maxDatagramSize = 2048
const batchSize = 16

// ingressLoop reads datagrams off one of the Bind's receive functions,
// classifies each, and dispatches it to the responder, forwarder, or
// control channel. Only network I/O here suspends; session-table
// operations are either lock-free reads or briefly-locked writes.
func (d *Daemon) ingressLoop(ctx context.Context, recv conn.ReceiveFunc) error {
	bufs := make([][]byte, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, maxDatagramSize)
	}
	sizes := make([]int, batchSize)
	eps := make([]conn.Endpoint, batchSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := recv(bufs, sizes, eps)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("receive error", "error", err)
			continue
		}

		for i := 0; i < n; i++ {
			d.handleDatagram(bufs[i][:sizes[i]], eps[i])
		}
	}
}

func (d *Daemon) handleDatagram(data []byte, ep conn.Endpoint) {
	msgType, cerr := classify(data)
	label := messageTypeLabel(msgType)
	d.m.RecordDatagramReceived(label)
	if cerr != nil {
		d.drop(cerr, ep)
		return
	}

	from := addrPortFromEndpoint(ep)

	switch msgType {
	case wgproto.MessageInitiationType:
		d.handleInitiation(data, from, ep)
	case wgproto.MessageResponseType:
		d.handleResponse(data, from, ep)
	case wgproto.MessageCookieReplyType:
		d.handleCookieReply(data, ep)
	case wgproto.MessageTransportType:
		d.handleTransport(data, from, ep)
	}
}

func (d *Daemon) handleInitiation(data []byte, from session.AddrPort, ep conn.Endpoint) {
	msg := wgproto.ParseInitiation(data)
	cookie := d.identity.MakeCookie(ep.DstToBytes())

	resp, outcome, rerr := d.responder.TryConsume(data, &msg, cookie, from)
	switch outcome {
	case outcomeEstablished:
		d.send(resp.Marshal(), ep)
		return
	case outcomeUnderLoad:
		d.m.RecordDatagramDropped(rerr.Kind.String())
		d.log.Debug("handshake rejected under load, sending cookie reply")
		reply, cerr := d.identity.CreateCookieReply(msg.Sender, msg.MAC1, cookie)
		if cerr != nil {
			d.log.Warn("failed to build cookie reply", "error", cerr)
			return
		}
		d.send(reply.Marshal(), ep)
		return
	case outcomeUnauthorized, outcomeMalformed:
		d.drop(rerr, ep)
		return
	case outcomeNotForUs:
		// Fall through to blind pass-through relaying below.
	}

	dest, ok, ferr := d.forwarder.LearnFromInitiation(&msg, from)
	if !ok {
		d.drop(ferr, ep)
		return
	}
	d.sendTo(data, dest)
}

func (d *Daemon) handleResponse(data []byte, from session.AddrPort, ep conn.Endpoint) {
	msg := wgproto.ParseResponse(data)
	dest, ok, ferr := d.forwarder.LearnFromResponse(&msg, from)
	if !ok {
		d.drop(ferr, ep)
		return
	}
	d.sendTo(data, dest)
}

func (d *Daemon) handleCookieReply(data []byte, ep conn.Endpoint) {
	msg := wgproto.ParseCookieReply(data)
	dest, ferr := d.forwarder.ForwardByReceiverIndex(msg.Receiver)
	if ferr != nil {
		d.drop(ferr, ep)
		return
	}
	d.sendTo(data, dest)
}

func (d *Daemon) handleTransport(data []byte, from session.AddrPort, ep conn.Endpoint) {
	hdr := wgproto.ParseTransportHeader(data)

	// Transport Data never updates last-seen address by itself — only a
	// fresh authenticated handshake may (off-path spoof defense).
	_ = from

	if sess, ok := d.table.SessionByLocalIndex(hdr.Receiver); ok && sess.HasKeypair {
		sess.Touch()
		d.handleOwnTransport(data, hdr, sess, ep)
		return
	}

	dest, ferr := d.forwarder.ForwardByReceiverIndex(hdr.Receiver)
	if ferr != nil {
		d.drop(ferr, ep)
		return
	}
	d.m.RecordDatagramForwarded("transport")
	d.sendTo(data, dest)
}

// handleOwnTransport decrypts transport data belonging to one of the relay's
// own terminated sessions (any peer that handshook with the relay's identity)
// — the only transport traffic WGX ever decrypts — looking for an in-band
// control frame. An empty payload is a keepalive; any other payload that is
// not a control frame is rejected as a bad frame and dropped.
func (d *Daemon) handleOwnTransport(data []byte, hdr wgproto.TransportHeader, sess *session.Session, ep conn.Endpoint) {
	if !sess.AcceptRecvCounter(hdr.Counter) {
		d.m.RecordDatagramDropped(relayerrors.MalformedDatagram.String())
		return
	}

	plaintext, err := noise.DecryptTransport(sess.RecvKey, hdr.Counter, data[wgproto.MessageTransportHeaderSize:])
	if err != nil {
		d.m.RecordDatagramDropped(relayerrors.MalformedDatagram.String())
		return
	}
	if len(plaintext) == 0 {
		return // keepalive
	}

	opLabel := "unknown"
	if IsControlFrame(plaintext) {
		opLabel = strconv.Itoa(int(plaintext[6]))
	}
	reply, cerr := d.control.Handle(sess.Peer, plaintext)
	if cerr != nil {
		d.m.RecordControlCommand(opLabel, "rejected")
		d.log.Debug("control frame rejected", "reason", cerr.Message)
		if cerr.Kind != relayerrors.ControlFailed {
			return
		}
	} else {
		d.m.RecordControlCommand(opLabel, "accepted")
	}
	if reply == nil {
		return
	}

	counter := sess.NextSendCounter()
	ciphertext, err := noise.EncryptTransport(sess.SendKey, counter, reply)
	if err != nil {
		d.log.Warn("failed to encrypt control reply", "error", err)
		return
	}
	out := make([]byte, wgproto.MessageTransportHeaderSize+len(ciphertext))
	wgproto.PutTransportHeader(out, wgproto.TransportHeader{
		Type:     wgproto.MessageTransportType,
		Receiver: sess.RemoteIndex,
		Counter:  counter,
	})
	copy(out[wgproto.MessageTransportHeaderSize:], ciphertext)
	d.send(out, ep)
}

func (d *Daemon) send(buf []byte, ep conn.Endpoint) {
	if err := d.sock.send(buf, ep); err != nil {
		d.log.Warn("send error", "error", err)
	}
}

func (d *Daemon) sendTo(buf []byte, dest Destination) {
	ep, err := d.sock.parseEndpoint(dest.Addr)
	if err != nil {
		d.log.Warn("parse destination endpoint failed", "error", err)
		return
	}
	d.m.RecordDatagramForwarded("relayed")
	d.send(buf, ep)
}

func (d *Daemon) drop(rerr *relayerrors.RelayError, ep conn.Endpoint) {
	d.m.RecordDatagramDropped(rerr.Kind.String())
	d.log.Debug("dropping datagram", "reason", rerr.Kind.String(), "detail", rerr.Message)
	if !rerr.Kind.RespondsWithReply() {
		return
	}
	// UnderLoad is the only drop kind from this switch that replies; it is
	// handled inline by the handshake path since only it carries the cookie
	// material needed for a Cookie Reply.
}
