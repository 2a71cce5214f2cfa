package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

func authMessage(credential string) []byte {
	msg, _ := json.Marshal(map[string]string{"type": state.AuthMessageType, "payload": credential})
	return msg
}

func TestAdmissionTimeoutClosesPendingClient(t *testing.T) {
	gate := newBlockingGate()
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate, AuthDelay: 50 * time.Millisecond})
	sock := newFakeSocket()

	start := time.Now()
	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, client.Status())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sock.closeCount(), "closed before the grace period elapsed")

	require.Eventually(t, func() bool { return rec.count(state.EventClose) == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, state.StatusClosed, client.Status())
	assert.Equal(t, 1, sock.closeCount())
	assert.ErrorIs(t, sock.closeReason(), state.ErrAdmissionTimeout)
	assert.Empty(t, ch.GetClients())
}

func TestSuccessfulAuthCancelsAdmissionTimer(t *testing.T) {
	gate := gateFunc(func(context.Context, string, auth.Subject) bool { return true })
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate, AuthDelay: 40 * time.Millisecond})
	sock := newFakeSocket()

	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("token"))
	require.Eventually(t, client.IsAuthorized, time.Second, time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, state.StatusAuthorized, client.Status())
	assert.Equal(t, 0, sock.closeCount())
	assert.Equal(t, 1, rec.count(state.EventAuth))
	assert.Equal(t, 0, rec.count(state.EventClose))
	assert.Equal(t, "token", client.Credential())
}

func TestRejectedClientStillTimesOut(t *testing.T) {
	gate := gateFunc(func(context.Context, string, auth.Subject) bool { return false })
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate, AuthDelay: 40 * time.Millisecond})
	sock := newFakeSocket()

	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("bad"))
	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, state.StatusRejected, client.Status())
	assert.False(t, client.IsAuthorized())

	require.Eventually(t, func() bool { return rec.count(state.EventClose) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sock.closeReason(), state.ErrAdmissionTimeout)
}

func TestResubmissionAfterRejection(t *testing.T) {
	gate := gateFunc(func(_ context.Context, credential string, _ auth.Subject) bool { return credential == "good" })
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate})

	client, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("bad"))
	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 1 }, time.Second, time.Millisecond)
	assert.False(t, client.IsAuthorized())

	client.HandleMessage(authMessage("good"))
	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 2 }, time.Second, time.Millisecond)
	assert.True(t, client.IsAuthorized())
}

func TestCloseDuringVerificationDiscardsResult(t *testing.T) {
	gate := newBlockingGate()
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate, AuthDelay: time.Minute})
	sock := newFakeSocket()

	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("token"))
	<-gate.calls
	client.Close(nil)
	gate.release <- true

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, state.StatusClosed, client.Status())
	assert.Equal(t, 0, rec.count(state.EventAuth))
	assert.Empty(t, ch.GetClients())
}

func TestStaleVerificationResultIsDiscarded(t *testing.T) {
	gate := newBlockingGate()
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate})

	client, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("first"))
	<-gate.calls
	client.HandleMessage(authMessage("second"))
	<-gate.calls

	// either check may take either result; only the second submission's is applied
	gate.release <- true
	gate.release <- false

	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rec.count(state.EventAuth))
	assert.Equal(t, "second", client.Credential())
}

func TestMalformedPayloadClosesClient(t *testing.T) {
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{})
	sock := newFakeSocket()

	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage([]byte("{not json"))
	assert.Equal(t, state.StatusClosed, client.Status())
	assert.ErrorIs(t, sock.closeReason(), state.ErrMalformedPayload)
	assert.Equal(t, 0, rec.count(state.EventMessage))
	assert.Equal(t, 1, rec.count(state.EventClose))
}

func TestMessageEventCarriesParsedPayload(t *testing.T) {
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{})
	client, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage([]byte(`{"type":"chat","payload":{"text":"hi"}}`))
	ev, ok := rec.last(state.EventMessage)
	require.True(t, ok)
	assert.Equal(t, "chat", ev.Message.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Message.Payload))
	assert.Same(t, client, ev.Client)
	assert.Same(t, ch, ev.Channel)
}

func TestAuthMessageIsNotForwardedAsMessage(t *testing.T) {
	var checks atomic.Int32
	gate := gateFunc(func(context.Context, string, auth.Subject) bool {
		checks.Add(1)
		return true
	})
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{Gate: gate})
	client, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.HandleMessage(authMessage("token"))
	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.count(state.EventMessage))
	assert.EqualValues(t, 1, checks.Load())
}

func TestUngatedChannelStartsAuthorized(t *testing.T) {
	for name, gate := range map[string]auth.Gate{"nil": nil, "null": auth.NullGate{}} {
		t.Run(name, func(t *testing.T) {
			ch, _ := newTestChannel("/open/", state.ChannelOptions{Gate: gate, AuthDelay: 10 * time.Millisecond})
			sock := newFakeSocket()
			client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
			require.NoError(t, err)
			assert.True(t, client.IsAuthorized())

			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 0, sock.closeCount(), "ungated clients have no admission timer")
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{})
	sock := newFakeSocket()
	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.Close(nil)
	client.Close(nil)
	client.Close(errors.New("transport closed"))

	assert.Equal(t, 1, rec.count(state.EventClose))
	assert.Equal(t, 1, sock.closeCount())
	assert.ErrorIs(t, client.Send("late"), state.ErrClientClosed)
}

func TestSendSerializesJSON(t *testing.T) {
	ch, _ := newTestChannel("/mobile/", state.ChannelOptions{})
	sock := newFakeSocket()
	client, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, client.Send(map[string]string{"hello": "world"}))
	require.NoError(t, client.Send("hi"))
	assert.Equal(t, []string{`{"hello":"world"}`, `"hi"`}, sock.sentMessages())

	sock.failSends(errors.New("boom"))
	assert.Error(t, client.Send("again"))
}

func TestReportErrorEmitsForLiveClientOnly(t *testing.T) {
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{})
	client, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	client.ReportError(errors.New("reset by peer"))
	client.Close(nil)
	client.ReportError(errors.New("after close"))
	assert.Equal(t, 1, rec.count(state.EventError))
}
