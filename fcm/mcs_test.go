package fcm

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePacket writes an MCS frame to w in a single call: net.Pipe blocks on
// zero-length writes.
func writePacket(t *testing.T, w io.Writer, tag mcsTag, body []byte, includeVersion bool) {
	t.Helper()
	var frame []byte
	if includeVersion {
		frame = append(frame, mcsVersion)
	}
	frame = append(frame, byte(tag))
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	require.NoError(t, err)
}

// readPacket reads one frame (without version byte) from r.
func readPacket(t *testing.T, r io.Reader) (mcsTag, []byte) {
	t.Helper()
	var tagBuf [1]byte
	_, err := io.ReadFull(r, tagBuf[:])
	require.NoError(t, err)

	size := readVarintTest(t, r)
	body := make([]byte, size)
	if size > 0 {
		_, err = io.ReadFull(r, body)
		require.NoError(t, err)
	}
	return mcsTag(tagBuf[0]), body
}

func readVarintTest(t *testing.T, r io.Reader) uint64 {
	t.Helper()
	var result uint64
	var shift uint
	for {
		var buf [1]byte
		_, err := io.ReadFull(r, buf[:])
		require.NoError(t, err)
		result |= uint64(buf[0]&0x7F) << shift
		if buf[0] < 0x80 {
			return result
		}
		shift += 7
	}
}

// readLogin consumes the version byte and LoginRequest sent by the client.
func readLogin(t *testing.T, r io.Reader) loginRequest {
	t.Helper()
	var vBuf [1]byte
	_, err := io.ReadFull(r, vBuf[:])
	require.NoError(t, err)
	assert.Equal(t, byte(mcsVersion), vBuf[0])

	tag, body := readPacket(t, r)
	require.Equal(t, tagLoginRequest, tag)

	var req loginRequest
	require.NoError(t, req.unmarshal(body))
	return req
}

// startMCS runs a client against one end of a pipe and completes the login
// handshake on the other.
func startMCS(t *testing.T, setup func(m *mcsClient)) (net.Conn, context.CancelFunc, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	m := newMCSClient(client, 100, 200, nil, slog.Default())
	if setup != nil {
		setup(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- m.connect(ctx) }()

	readLogin(t, server)
	writePacket(t, server, tagLoginResponse, loginResponse{ID: "s"}.marshal(), true)
	return server, cancel, errCh
}

func TestMCS_LoginPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mcs := newMCSClient(client, 12345, 67890, []string{"pid-1"}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcs.connect(ctx)
	}()

	req := readLogin(t, server)
	assert.Equal(t, "android-3039", req.ID) // 12345 = 0x3039
	assert.Equal(t, "mcs.android.com", req.Domain)
	assert.Equal(t, "12345", req.User)
	assert.Equal(t, "12345", req.Resource)
	assert.Equal(t, "67890", req.AuthToken)
	assert.Equal(t, "android-3039", req.DeviceID)
	assert.True(t, req.UseRmq2)
	assert.Equal(t, int64(1), req.LastRmqID)
	assert.Equal(t, int32(authServiceAndroidID), req.AuthService)
	assert.Equal(t, []string{"pid-1"}, req.ReceivedPersistentIDs)
	assert.Equal(t, []mcsSetting{{Name: "new_vc", Value: "1"}}, req.Settings)

	cancel()
	<-errCh
}

func TestMCS_LoginResponse(t *testing.T) {
	connected := make(chan struct{})
	startMCS(t, func(m *mcsClient) {
		m.onConnected = func() { close(connected) }
	})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("onConnected not called within timeout")
	}
}

func TestMCS_LoginRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := newMCSClient(client, 100, 200, nil, slog.Default())
	errCh := make(chan error, 1)
	go func() { errCh <- m.connect(context.Background()) }()

	readLogin(t, server)
	writePacket(t, server, tagLoginResponse, loginResponse{ID: "s", ErrorCode: 401, ErrorMessage: "bad auth"}.marshal(), true)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad auth")
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return within timeout")
	}
}

func TestMCS_HeartbeatPingResponse(t *testing.T) {
	server, _, _ := startMCS(t, nil)

	writePacket(t, server, tagHeartbeatPing, heartbeat{StreamID: 7}.marshal(), false)

	tag, body := readPacket(t, server)
	assert.Equal(t, tagHeartbeatAck, tag)
	var ack heartbeat
	require.NoError(t, ack.unmarshal(body))
	assert.Equal(t, int32(7), ack.LastStreamIDReceived)
}

func TestMCS_DataMessageStanza(t *testing.T) {
	received := make(chan dataMessageStanza, 1)
	server, _, _ := startMCS(t, func(m *mcsClient) {
		m.onDataMessage = func(msg dataMessageStanza) { received <- msg }
	})

	stanza := dataMessageStanza{
		ID:           "msg-1",
		From:         "sender",
		Category:     "io.slush.pushregistry",
		PersistentID: "persistent-123",
		AppData:      []appData{{Key: "payload", Value: `{"a":1}`}},
	}
	writePacket(t, server, tagDataMessageStanza, stanza.marshal(), false)

	select {
	case msg := <-received:
		assert.Equal(t, stanza, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("onDataMessage not called within timeout")
	}
}

func TestMCS_Close(t *testing.T) {
	server, _, errCh := startMCS(t, nil)

	writePacket(t, server, tagClose, nil, false)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errServerClose)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return within timeout")
	}
}

func TestMCS_StreamError(t *testing.T) {
	server, _, errCh := startMCS(t, nil)

	writePacket(t, server, tagStreamErrorStanza, streamErrorStanza{Type: "conflict", Text: "replaced"}.marshal(), false)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "conflict")
		assert.Contains(t, err.Error(), "replaced")
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return within timeout")
	}
}

func TestMCS_ContextCancel(t *testing.T) {
	disconnected := make(chan string, 1)
	_, cancel, errCh := startMCS(t, func(m *mcsClient) {
		m.onDisconnected = func(reason string) { disconnected <- reason }
	})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
		assert.Equal(t, "context cancelled", <-disconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after cancel")
	}
}

func TestMCS_HeartbeatTimerSendsPing(t *testing.T) {
	server, _, _ := startMCS(t, func(m *mcsClient) {
		m.heartbeatInterval = 50 * time.Millisecond
	})

	done := make(chan mcsTag, 1)
	go func() {
		var buf [1]byte
		if _, err := io.ReadFull(server, buf[:]); err == nil {
			done <- mcsTag(buf[0])
		}
	}()

	select {
	case tag := <-done:
		assert.Equal(t, tagHeartbeatPing, tag)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat ping not sent within timeout")
	}
}

func TestMCS_VarintOverflow(t *testing.T) {
	server, _, errCh := startMCS(t, nil)

	var overflow [11]byte
	overflow[0] = byte(tagDataMessageStanza)
	for i := 1; i < len(overflow); i++ {
		overflow[i] = 0x80
	}
	_, err := server.Write(overflow[:])
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "varint overflow")
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return within timeout")
	}
}

func TestMCS_OversizedPacket(t *testing.T) {
	server, _, errCh := startMCS(t, nil)

	frame := binary.AppendUvarint([]byte{byte(tagDataMessageStanza)}, maxPacketSize+1)
	_, err := server.Write(frame)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds limit")
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return within timeout")
	}
}

func TestMCS_IqStanzaIgnored(t *testing.T) {
	received := make(chan string, 1)
	server, _, _ := startMCS(t, func(m *mcsClient) {
		m.onDataMessage = func(msg dataMessageStanza) { received <- msg.PersistentID }
	})

	writePacket(t, server, tagIqStanza, iqStanza{Type: 2, ID: "1"}.marshal(), false)
	stanza := dataMessageStanza{From: "sender", Category: "test", PersistentID: "p1",
		AppData: []appData{{Key: "k", Value: "v"}}}
	writePacket(t, server, tagDataMessageStanza, stanza.marshal(), false)

	select {
	case pid := <-received:
		assert.Equal(t, "p1", pid)
	case <-time.After(2 * time.Second):
		t.Fatal("data message not received after IqStanza")
	}
}
