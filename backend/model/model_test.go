package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Connected(100), `{"connected":100}`},
		{Speaking(100), `{"speaking":100}`},
		{Quiet(7), `{"quiet":7}`},
		{Disconnected(18446744073709551615), `{"disconnected":18446744073709551615}`},
		{Heartbeat(), `{"heartbeat":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.ev.String(), func(t *testing.T) {
			b, err := json.Marshal(tt.ev)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))

			var back Event
			require.NoError(t, json.Unmarshal(b, &back))
			assert.Equal(t, tt.ev, back)
		})
	}
}

func TestEventMarshalUnknownKind(t *testing.T) {
	_, err := json.Marshal(Event{Kind: 42})
	require.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestEventUnmarshalRejects(t *testing.T) {
	for _, in := range []string{
		`{}`,
		`{"speaking":1,"quiet":2}`,
		`{"shouting":1}`,
		`{"speaking":"x"}`,
		`[]`,
	} {
		var ev Event
		assert.Error(t, json.Unmarshal([]byte(in), &ev), in)
	}

	for _, in := range []string{
		`{"connected":null}`,
		`{"quiet": null }`,
		`{"heartbeat":5}`,
		`{"heartbeat":{}}`,
	} {
		var ev Event
		assert.ErrorIs(t, json.Unmarshal([]byte(in), &ev), ErrBadEvent, in)
	}
}

func TestParseRoomID(t *testing.T) {
	id, err := ParseRoomID("/42")
	require.NoError(t, err)
	assert.Equal(t, RoomID(42), id)
	assert.Equal(t, "42", id.String())

	for _, bad := range []string{"", "/", "abc", "-1", "/4/2", "99999999999999999999"} {
		_, err = ParseRoomID(bad)
		assert.ErrorIs(t, err, ErrBadRoomID, bad)
	}
}

func TestSignalEnvelope(t *testing.T) {
	decode := func(s string) (Signal, error) {
		var env SignalEnvelope
		require.NoError(t, json.Unmarshal([]byte(s), &env))
		return env.Signal()
	}

	sig, err := decode(`{"bind":{"tag":7,"participant":100}}`)
	require.NoError(t, err)
	assert.Equal(t, Bind{Tag: 7, Participant: 100}, sig)

	sig, err = decode(`{"tick":[7,9]}`)
	require.NoError(t, err)
	assert.Equal(t, Tick{Talking: []SourceTag{7, 9}}, sig)

	sig, err = decode(`{"tick":[]}`)
	require.NoError(t, err)
	assert.Equal(t, Tick{Talking: []SourceTag{}}, sig)

	sig, err = decode(`{"disconnect":100}`)
	require.NoError(t, err)
	assert.Equal(t, Disconnect{Participant: 100}, sig)

	_, err = decode(`{}`)
	assert.ErrorIs(t, err, ErrBadSignal)
	_, err = decode(`{"tick":[1],"disconnect":1}`)
	assert.ErrorIs(t, err, ErrBadSignal)
}
