package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

func TestParseTemplate(t *testing.T) {
	testCases := []struct {
		name       string
		template   string
		wantName   string
		wantParams []string
		wantErr    bool
	}{
		{name: "bare channel", template: "/mobile/", wantName: "mobile"},
		{name: "no slashes", template: "mobile", wantName: "mobile"},
		{name: "one param", template: "/systems/:system_name", wantName: "systems", wantParams: []string{"system_name"}},
		{name: "two params", template: "/games/:a/:b", wantName: "games", wantParams: []string{"a", "b"}},
		{name: "empty", template: "/", wantErr: true},
		{name: "nested name", template: "/a/b/:c", wantErr: true},
		{name: "empty param", template: "/games/:", wantErr: true},
		{name: "duplicate param", template: "/games/:a/:a", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			name, params, err := state.ParseTemplate(tc.template)
			if tc.wantErr {
				assert.ErrorIs(t, err, state.ErrInvalidTemplate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantParams, params)
		})
	}
}

func TestMatchPath(t *testing.T) {
	ch, _ := newTestChannel("/games/:a/:b", state.ChannelOptions{})

	params, ok := ch.MatchPath([]string{"x", "y"})
	require.True(t, ok)
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, params)

	_, ok = ch.MatchPath([]string{"x"})
	assert.False(t, ok, "missing parameter")
	_, ok = ch.MatchPath([]string{"x", "y", "z"})
	assert.False(t, ok, "extra segment")
	_, ok = ch.MatchPath([]string{"x", ""})
	assert.False(t, ok, "empty parameter")
}

func TestAcceptRejectsParamMismatch(t *testing.T) {
	ch, rec := newTestChannel("/games/:a", state.ChannelOptions{})

	_, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	assert.ErrorIs(t, err, state.ErrParamMismatch)
	_, err = ch.Accept(newFakeSocket(), map[string]string{"b": "1"}, "127.0.0.1")
	assert.ErrorIs(t, err, state.ErrParamMismatch)
	assert.Equal(t, 0, rec.count(state.EventConnection))
}

func TestAcceptEmitsConnectionEvent(t *testing.T) {
	ch, rec := newTestChannel("/systems/:system_name", state.ChannelOptions{})

	client, err := ch.Accept(newFakeSocket(), map[string]string{"system_name": "alpha"}, "10.0.0.1")
	require.NoError(t, err)

	ev, ok := rec.last(state.EventConnection)
	require.True(t, ok)
	assert.Same(t, client, ev.Client)
	assert.Equal(t, "alpha", client.Param("system_name"))
	assert.Equal(t, "10.0.0.1", client.RemoteAddr())
	assert.Same(t, ch, client.Channel())
}

func TestFindClientsMatchesPositionally(t *testing.T) {
	ch, _ := newTestChannel("/games/:a/:b", state.ChannelOptions{})

	c1, err := ch.Accept(newFakeSocket(), map[string]string{"a": "1", "b": "x"}, "127.0.0.1")
	require.NoError(t, err)
	c2, err := ch.Accept(newFakeSocket(), map[string]string{"a": "1", "b": "y"}, "127.0.0.1")
	require.NoError(t, err)
	c3, err := ch.Accept(newFakeSocket(), map[string]string{"a": "2", "b": "x"}, "127.0.0.1")
	require.NoError(t, err)

	testCases := []struct {
		name   string
		values []string
		want   []*state.Client
	}{
		{name: "no values", values: nil, want: []*state.Client{c1, c2, c3}},
		{name: "first only", values: []string{"1"}, want: []*state.Client{c1, c2}},
		{name: "both", values: []string{"1", "x"}, want: []*state.Client{c1}},
		{name: "wildcard first", values: []string{"", "x"}, want: []*state.Client{c1, c3}},
		{name: "no match", values: []string{"3"}, want: []*state.Client{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ch.FindClients(tc.values, false)
			require.NotNil(t, got, "queries return an empty snapshot, not nil")
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestFindClientsAuthOnly(t *testing.T) {
	gate := gateFunc(func(_ context.Context, credential string, _ auth.Subject) bool { return credential == "ok" })
	ch, rec := newTestChannel("/games/:a", state.ChannelOptions{Gate: gate})

	authed, err := ch.Accept(newFakeSocket(), map[string]string{"a": "1"}, "127.0.0.1")
	require.NoError(t, err)
	_, err = ch.Accept(newFakeSocket(), map[string]string{"a": "1"}, "127.0.0.1")
	require.NoError(t, err)

	authed.SubmitCredential("ok")
	require.Eventually(t, func() bool { return rec.count(state.EventAuth) == 1 }, time.Second, time.Millisecond)

	assert.Len(t, ch.FindClients([]string{"1"}, false), 2)
	assert.Equal(t, []*state.Client{authed}, ch.FindClients([]string{"1"}, true))
	assert.Equal(t, []*state.Client{authed}, ch.GetAuthorizedClients())
}

func TestGetClientsIsInConnectionOrder(t *testing.T) {
	ch, _ := newTestChannel("/mobile/", state.ChannelOptions{})
	var want []*state.Client
	for range 5 {
		c, err := ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
		require.NoError(t, err)
		want = append(want, c)
	}
	assert.Equal(t, want, ch.GetClients())
}

func TestChannelBroadcast(t *testing.T) {
	ch, _ := newTestChannel("/systems/:system_name", state.ChannelOptions{})
	s1, s2, s3 := newFakeSocket(), newFakeSocket(), newFakeSocket()

	_, err := ch.Accept(s1, map[string]string{"system_name": "alpha"}, "127.0.0.1")
	require.NoError(t, err)
	_, err = ch.Accept(s2, map[string]string{"system_name": "alpha"}, "127.0.0.1")
	require.NoError(t, err)
	_, err = ch.Accept(s3, map[string]string{"system_name": "beta"}, "127.0.0.1")
	require.NoError(t, err)

	s2.failSends(assert.AnError)
	sent, err := ch.Broadcast([]string{"alpha"}, false, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{`{"n":1}`}, s1.sentMessages())
	assert.Empty(t, s3.sentMessages())

	_, err = ch.Broadcast(nil, false, func() {})
	assert.Error(t, err, "unmarshalable values fail before any send")
}

func TestChannelCloseClosesClientsAndRefusesNew(t *testing.T) {
	ch, rec := newTestChannel("/mobile/", state.ChannelOptions{})
	sock := newFakeSocket()
	_, err := ch.Accept(sock, map[string]string{}, "127.0.0.1")
	require.NoError(t, err)

	ch.Close()
	assert.Empty(t, ch.GetClients())
	assert.ErrorIs(t, sock.closeReason(), state.ErrChannelClosed)
	assert.Equal(t, 1, rec.count(state.EventClose))

	_, err = ch.Accept(newFakeSocket(), map[string]string{}, "127.0.0.1")
	assert.ErrorIs(t, err, state.ErrChannelClosed)
}

func TestGated(t *testing.T) {
	open, _ := newTestChannel("/open/", state.ChannelOptions{Gate: auth.NullGate{}})
	assert.False(t, open.Gated())

	gated, _ := newTestChannel("/closed/", state.ChannelOptions{Gate: newBlockingGate()})
	assert.True(t, gated.Gated())
}
