package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/command"
	"sketchsync/api/internal/persist"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/room"
	"sketchsync/api/internal/store"
)

type fakeSketches map[string]store.Sketch

func (f fakeSketches) GetSketch(_ context.Context, id string) (store.Sketch, error) {
	sketch, ok := f[id]
	if !ok {
		return store.Sketch{}, store.ErrNotFound
	}
	return sketch, nil
}

type harness struct {
	srv      *httptest.Server
	rooms    *room.Manager
	verifier *auth.Verifier
}

func newHarness(t *testing.T, sketches Sketches) *harness {
	t.Helper()
	return newHarnessWithOptions(t, sketches, DefaultOptions())
}

func newHarnessWithOptions(t *testing.T, sketches Sketches, opts Options) *harness {
	t.Helper()
	writer := persist.NewWriter(persist.NewMemoryStore(), time.Hour, "memory", zerolog.Nop())
	rooms := room.NewManager(writer, nil, time.Minute, zerolog.Nop())
	verifier := auth.NewVerifier("test-secret", time.Hour)
	opts.JoinTimeout = 2 * time.Second
	srv := httptest.NewServer(NewHandler(rooms, verifier, sketches, opts, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, rooms: rooms, verifier: verifier}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *harness) token(t *testing.T, uid, role string) string {
	t.Helper()
	token, _, err := h.verifier.Issue(uid, uid, "", role)
	require.NoError(t, err)
	return token
}

func (h *harness) join(t *testing.T, sketchID, uid, role string) *websocket.Conn {
	t.Helper()
	ws := h.dial(t)
	writeMsg(t, ws, protocol.Join(sketchID, protocol.User{UID: uid, Name: uid}, h.token(t, uid, role)))
	joined := readMsg(t, ws)
	require.Equal(t, protocol.TypeJoined, joined.Type)
	return ws
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readMsg(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips presence frames and returns the first frame of type typ.
func readUntil(t *testing.T, ws *websocket.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		msg := readMsg(t, ws)
		if msg.Type == typ {
			return msg
		}
	}
}

func expectSilence(t *testing.T, ws *websocket.Conn, typ protocol.MessageType) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.NotEqual(t, typ, msg.Type, "unexpected %s frame", typ)
	}
}

func removeCmd(uid, sid string) command.Command {
	return command.New(uid, command.TypeRemove, sid, json.RawMessage(`{"id":"`+sid+`"}`), time.Now())
}

func TestCommandIsRelayedOnceToPeers(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.join(t, "s1", "alice", "editor")
	bob := h.join(t, "s1", "bob", "editor")

	joined := readUntil(t, alice, protocol.TypeUserJoined)
	assert.Equal(t, "bob", joined.User.UID)

	cmd := removeCmd("alice", "A")
	writeMsg(t, alice, protocol.CommandMessage(cmd))
	writeMsg(t, alice, protocol.CommandMessage(cmd))

	got := readUntil(t, bob, protocol.TypeCommand)
	assert.Equal(t, cmd.ID, got.Command.ID)
	expectSilence(t, bob, protocol.TypeCommand)

	snapshot, err := h.rooms.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)
}

func TestJoinWithBadCredentialIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	writeMsg(t, ws, protocol.Join("s1", protocol.User{UID: "mallory"}, "forged.token"))

	msg := readMsg(t, ws)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "authentication failed", msg.Message)

	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 0, h.rooms.Active())
}

func TestUnknownSketchIsRejected(t *testing.T) {
	h := newHarness(t, fakeSketches{"known": {ID: "known", OwnerID: "alice"}})
	ws := h.dial(t)
	writeMsg(t, ws, protocol.Join("missing", protocol.User{UID: "alice"}, h.token(t, "alice", "editor")))

	msg := readMsg(t, ws)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "sketch not found", msg.Message)
}

func TestViewerCommandsAreDropped(t *testing.T) {
	h := newHarness(t, fakeSketches{"s1": {ID: "s1", OwnerID: "owner"}})
	viewer := h.join(t, "s1", "vera", "viewer")
	editor := h.join(t, "s1", "eddie", "editor")

	writeMsg(t, viewer, protocol.CommandMessage(removeCmd("vera", "A")))
	writeMsg(t, viewer, protocol.Cursor("", 5, 6))

	cursor := readUntil(t, editor, protocol.TypeCursor)
	assert.Equal(t, "vera", cursor.UID)

	snapshot, err := h.rooms.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.join(t, "s1", "alice", "editor")
	bob := h.join(t, "s1", "bob", "editor")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	writeMsg(t, alice, protocol.Cursor("", 1, 2))

	cursor := readUntil(t, bob, protocol.TypeCursor)
	assert.Equal(t, "alice", cursor.UID)
	assert.Equal(t, 1.0, *cursor.X)
}

func TestUserLeftOnDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.join(t, "s1", "alice", "editor")
	bob := h.join(t, "s1", "bob", "editor")
	_ = readUntil(t, alice, protocol.TypeUserJoined)

	require.NoError(t, bob.Close())
	left := readUntil(t, alice, protocol.TypeUserLeft)
	assert.Equal(t, "bob", left.UID)
}

func TestIdentityComesFromCredential(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.join(t, "s1", "alice", "editor")

	ws := h.dial(t)
	writeMsg(t, ws, protocol.Join("s1", protocol.User{UID: "someone-else", Name: "Bobby", Color: "#0f0"}, h.token(t, "bob", "editor")))
	joined := readMsg(t, ws)
	require.Equal(t, protocol.TypeJoined, joined.Type)

	announced := readUntil(t, alice, protocol.TypeUserJoined)
	assert.Equal(t, "bob", announced.User.UID)
	assert.Equal(t, "Bobby", announced.User.Name)
	assert.Equal(t, "#0f0", announced.User.Color)
}

func TestSlowClientIsDisconnectedInsteadOfSkipped(t *testing.T) {
	opts := DefaultOptions()
	opts.SendQueue = 2
	h := newHarnessWithOptions(t, nil, opts)
	alice := h.join(t, "s1", "alice", "editor")
	slow := h.join(t, "s1", "bob", "editor")

	pad := strings.Repeat("x", 900<<10)
	const total = 40
	for i := 0; i < total; i++ {
		cmd := command.New("alice", command.TypeRemove, fmt.Sprintf("shape-%d", i), json.RawMessage(`{"pad":"`+pad+`"}`), time.Now())
		writeMsg(t, alice, protocol.CommandMessage(cmd))
	}

	require.Eventually(t, func() bool {
		rm, ok := h.rooms.Live("s1")
		return ok && rm.Len() == total && rm.Clients() == 1
	}, 10*time.Second, 20*time.Millisecond, "the client that fell behind leaves the room")

	// The slow socket ends after whatever was already in flight.
	require.NoError(t, slow.SetReadDeadline(time.Now().Add(10*time.Second)))
	received := 0
	for {
		_, data, err := slow.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				require.False(t, netErr.Timeout(), "socket was left open")
			}
			break
		}
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == protocol.TypeCommand {
			received++
		}
	}
	assert.Less(t, received, total)
}
