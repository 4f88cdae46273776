package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayErrorMessage(t *testing.T) {
	err := New(MalformedDatagram, "bad initiation length")
	assert.Equal(t, "malformed_datagram: bad initiation length", err.Error())

	wrapped := Wrap(UnknownRoute, "no route", errors.New("index not found"))
	assert.Equal(t, "unknown_route: no route: index not found", wrapped.Error())
	assert.ErrorIs(t, wrapped, wrapped.Cause)
}

func TestAsUnwrapsWrappedRelayError(t *testing.T) {
	base := New(ControlBadFrame, "bad magic")
	wrapped := fmt.Errorf("dispatch failed: %w", base)

	got, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, base, got)

	_, ok = As(errors.New("unrelated"))
	assert.False(t, ok)
}

func TestRespondsWithReply(t *testing.T) {
	assert.True(t, UnderLoad.RespondsWithReply())
	assert.True(t, ControlFailed.RespondsWithReply())
	assert.False(t, MalformedDatagram.RespondsWithReply())
	assert.False(t, Unauthorized.RespondsWithReply())
	assert.False(t, UnknownRoute.RespondsWithReply())
	assert.False(t, ControlBadFrame.RespondsWithReply())
	assert.False(t, Fatal.RespondsWithReply())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "unauthorized", Unauthorized.String())
	assert.Contains(t, Kind(99).String(), "kind(99)")
}
