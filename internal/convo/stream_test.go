package convo

import (
	"context"
	"io"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_SingleEvent(t *testing.T) {
	frame := []byte(`{"type":"conversation.rename","conversation":"remote-1","from":"alice","name":"new name"}`)

	events := decodeFrame(frame, testLogger())
	require.Len(t, events, 1)
	assert.Equal(t, KindRename, events[0].Kind)
	assert.Equal(t, "remote-1", events[0].ConvRemoteID)
	assert.Equal(t, "new name", events[0].Name)
}

func TestDecodeFrame_BatchedPayload(t *testing.T) {
	frame := []byte(`{"payload":[
		{"type":"conversation.member-join","conversation":"remote-1","from":"alice","user_ids":["bob"]},
		{"type":"conversation.rename","conversation":"remote-1","from":"alice","name":"later"}
	]}`)

	events := decodeFrame(frame, testLogger())
	require.Len(t, events, 2)
	assert.Equal(t, KindMemberJoin, events[0].Kind)
	assert.Equal(t, []string{"bob"}, events[0].UserIDs)
	assert.Equal(t, KindRename, events[1].Kind)
}

func TestDecodeFrame_SkipsUntypedAndMalformed(t *testing.T) {
	frame := []byte(`{"payload":[
		{"conversation":"remote-1"},
		{"type":"conversation.rename","conversation":"remote-1","name":"kept"}
	]}`)

	events := decodeFrame(frame, testLogger())
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Name)

	assert.Empty(t, decodeFrame([]byte(`not json`), testLogger()))
}

// scriptedConn serves prepared frames, then fails the read.
type scriptedConn struct {
	frames [][]byte
}

func (c *scriptedConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, io.EOF
	}

	frame := c.frames[0]
	c.frames = c.frames[1:]

	return websocket.MessageText, frame, nil
}

func (c *scriptedConn) Close(websocket.StatusCode, string) error { return nil }

func TestStream_ListenDeliversAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frame := []byte(`{"type":"conversation.rename","conversation":"remote-1","name":"from stream"}`)

	dials := 0
	dial := func(ctx context.Context) (WSConn, error) {
		dials++
		if dials == 1 {
			return &scriptedConn{frames: [][]byte{frame}}, nil
		}

		// The connection dropped once; stop the test instead of
		// backing off forever.
		cancel()

		return nil, ctx.Err()
	}

	s := NewStream(dial, testLogger())
	out := make(chan Event, 8)

	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx, out) }()

	var events []Event
	for ev := range out {
		events = append(events, ev)
	}

	assert.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, events, 1)
	assert.Equal(t, "from stream", events[0].Name)
}
