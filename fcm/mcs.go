package fcm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const mcsVersion = 41

// mcsTag identifies MCS protocol message types.
type mcsTag uint8

const (
	tagHeartbeatPing     mcsTag = 0
	tagHeartbeatAck      mcsTag = 1
	tagLoginRequest      mcsTag = 2
	tagLoginResponse     mcsTag = 3
	tagClose             mcsTag = 4
	tagIqStanza          mcsTag = 7
	tagDataMessageStanza mcsTag = 8
	tagStreamErrorStanza mcsTag = 10
)

// maxPacketSize bounds a single MCS packet body.
const maxPacketSize = 4 << 20

// errServerClose is returned when the server ends the session.
var errServerClose = errors.New("mcs: server sent close")

// mcsClient speaks the MCS (Mobile Connection Server) protocol over one
// connection. Messages for Android-native registrations arrive as plaintext
// app data.
type mcsClient struct {
	conn          io.ReadWriteCloser
	r             *bufio.Reader
	androidID     uint64
	securityToken uint64
	persistentIDs []string
	logger        *slog.Logger

	heartbeatInterval time.Duration

	onDataMessage  func(msg dataMessageStanza)
	onConnected    func()
	onDisconnected func(reason string)

	writeMu sync.Mutex
}

func newMCSClient(conn io.ReadWriteCloser, androidID, securityToken uint64, persistentIDs []string, logger *slog.Logger) *mcsClient {
	return &mcsClient{
		conn:              conn,
		r:                 bufio.NewReader(conn),
		androidID:         androidID,
		securityToken:     securityToken,
		persistentIDs:     persistentIDs,
		logger:            logger,
		heartbeatInterval: 5 * time.Minute,
	}
}

// connect performs the MCS login handshake and enters the read loop.
// It blocks until ctx is cancelled, the server sends a Close, or an error occurs.
func (m *mcsClient) connect(ctx context.Context) error {
	// Close conn when ctx is cancelled so blocking reads and writes unblock.
	connClosed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.conn.Close()
		case <-connClosed:
		}
	}()
	defer close(connClosed)

	if err := m.sendLogin(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mcs: send login: %w", err)
	}

	version, err := m.r.ReadByte()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mcs: read version: %w", err)
	}
	if version < mcsVersion {
		m.logger.Warn("MCS server speaks an older protocol version", "version", version)
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
	defer heartbeatCancel()
	go m.heartbeatLoop(heartbeatCtx)

	err = m.readLoop()
	if ctx.Err() != nil {
		if m.onDisconnected != nil {
			m.onDisconnected("context cancelled")
		}
		return nil
	}
	if m.onDisconnected != nil {
		reason := "read loop ended"
		if err != nil {
			reason = err.Error()
		}
		m.onDisconnected(reason)
	}
	return err
}

func (m *mcsClient) sendLogin() error {
	decID := strconv.FormatUint(m.androidID, 10)
	loginID := fmt.Sprintf("android-%x", m.androidID)

	req := loginRequest{
		ID:                    loginID,
		Domain:                "mcs.android.com",
		User:                  decID,
		Resource:              decID,
		AuthToken:             strconv.FormatUint(m.securityToken, 10),
		DeviceID:              loginID,
		LastRmqID:             1,
		Settings:              []mcsSetting{{Name: "new_vc", Value: "1"}},
		ReceivedPersistentIDs: m.persistentIDs,
		UseRmq2:               true,
		AccountID:             1000000,
		AuthService:           authServiceAndroidID,
		NetworkType:           1,
	}
	return m.sendPacket(tagLoginRequest, req.marshal(), true)
}

// sendPacket writes one frame: [version] tag varint(len) body. The frame is
// written in a single call.
func (m *mcsClient) sendPacket(tag mcsTag, body []byte, includeVersion bool) error {
	frame := make([]byte, 0, len(body)+binary.MaxVarintLen64+2)
	if includeVersion {
		frame = append(frame, mcsVersion)
	}
	frame = append(frame, byte(tag))
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	frame = append(frame, body...)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.conn.Write(frame)
	return err
}

func (m *mcsClient) readLoop() error {
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return fmt.Errorf("mcs: read tag: %w", err)
		}
		tag := mcsTag(b)

		size, err := m.readVarint()
		if err != nil {
			return fmt.Errorf("mcs: read size: %w", err)
		}
		if size > maxPacketSize {
			return fmt.Errorf("mcs: packet of %d bytes exceeds limit", size)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(m.r, data); err != nil {
			return fmt.Errorf("mcs: read body: %w", err)
		}

		if err := m.handlePacket(tag, data); err != nil {
			return err
		}
	}
}

func (m *mcsClient) handlePacket(tag mcsTag, data []byte) error {
	switch tag {
	case tagLoginResponse:
		var resp loginResponse
		if err := resp.unmarshal(data); err != nil {
			return fmt.Errorf("mcs: unmarshal LoginResponse: %w", err)
		}
		if resp.ErrorCode != 0 {
			return fmt.Errorf("mcs: login rejected: code=%d %s", resp.ErrorCode, resp.ErrorMessage)
		}
		m.logger.Debug("MCS login response", "id", resp.ID)
		m.persistentIDs = nil
		if m.onConnected != nil {
			m.onConnected()
		}

	case tagHeartbeatPing:
		var ping heartbeat
		if err := ping.unmarshal(data); err != nil {
			m.logger.Warn("MCS: failed to unmarshal HeartbeatPing", "error", err)
			return nil
		}
		m.logger.Debug("MCS heartbeat ping received", "stream_id", ping.StreamID)
		ack := heartbeat{LastStreamIDReceived: ping.StreamID}
		if err := m.sendPacket(tagHeartbeatAck, ack.marshal(), false); err != nil {
			return fmt.Errorf("mcs: send heartbeat ack: %w", err)
		}

	case tagHeartbeatAck:
		m.logger.Debug("MCS heartbeat ack received")

	case tagDataMessageStanza:
		var msg dataMessageStanza
		if err := msg.unmarshal(data); err != nil {
			m.logger.Warn("MCS: failed to unmarshal DataMessageStanza", "error", err)
			return nil
		}
		m.logger.Debug("MCS data message", "from", msg.From, "category", msg.Category, "persistentId", msg.PersistentID)
		if m.onDataMessage != nil {
			m.onDataMessage(msg)
		}

	case tagClose:
		return errServerClose

	case tagIqStanza:
		var iq iqStanza
		if err := iq.unmarshal(data); err != nil {
			m.logger.Warn("MCS: failed to unmarshal IqStanza", "error", err)
		} else {
			m.logger.Debug("MCS IqStanza received", "type", iq.Type, "id", iq.ID, "from", iq.From, "to", iq.To)
		}

	case tagStreamErrorStanza:
		var se streamErrorStanza
		if err := se.unmarshal(data); err != nil {
			return fmt.Errorf("mcs: stream error (unmarshal failed: %w)", err)
		}
		return fmt.Errorf("mcs: stream error: type=%s text=%s", se.Type, se.Text)

	default:
		m.logger.Debug("MCS unknown tag", "tag", tag)
	}

	return nil
}

func (m *mcsClient) readVarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("varint overflow: more than 10 bytes")
		}
	}
}

func (m *mcsClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sendPacket(tagHeartbeatPing, heartbeat{}.marshal(), false); err != nil {
				m.logger.Warn("MCS: failed to send heartbeat ping", "error", err)
				return
			}
			m.logger.Debug("MCS heartbeat ping sent")
		}
	}
}
