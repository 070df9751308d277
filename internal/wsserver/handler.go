// Package wsserver implements the Client Session component: a hand-rolled
// RFC 6455 websocket upgrade and framing layer, the protocol-version
// handshake, and the command dispatch loop described in the client
// protocol.
package wsserver

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tripwire/alarmd/internal/metrics"
	"github.com/tripwire/alarmd/internal/projection"
)

// maxFrameSize is the maximum websocket payload length (in bytes) the
// server accepts from clients. Frames exceeding this limit cause the read
// loop to drop the connection rather than allocate unbounded memory.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// closeStatusProtocolError is the websocket close status code (1002) sent
// on a protocol-version mismatch.
const closeStatusProtocolError = 1002

// Handler is an http.Handler that upgrades HTTP connections to websocket
// and drives the per-client Client Session lifecycle.
type Handler struct {
	bc    Broadcaster
	route AckRoute
	acks  chan<- string
	log   *slog.Logger
	m     *metrics.Metrics

	writeTimeout time.Duration
}

// NewHandler creates a Handler. bc is the Status Projection & Subscription
// Broadcaster, route validates alarm names for ::ack:: commands, and acks
// is the shared channel the Ack Dispatcher reads from. writeTimeout ≤ 0
// defaults to 10 seconds. m may be nil to disable metrics collection.
func NewHandler(bc Broadcaster, route AckRoute, acks chan<- string, log *slog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{bc: bc, route: route, acks: acks, log: log, m: m, writeTimeout: writeTimeout}
}

// ServeHTTP handles the HTTP → websocket upgrade and drives the connection
// lifecycle: handshake, then the command dispatch loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.log.Error("wsserver: hijack failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		h.log.Error("wsserver: handshake write failed", slog.Any("error", err))
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.log.Error("wsserver: handshake flush failed", slog.Any("error", err))
		return
	}

	clientID := conn.RemoteAddr().String()

	if !h.doVersionHandshake(conn, bufrw.Reader) {
		h.log.Info("wsserver: handshake failed, closing", slog.String("client_id", clientID))
		return
	}

	sess := newSession(clientID, h.bc, h.route, h.acks, h.log)
	defer sess.close()

	if h.m != nil {
		h.m.WebsocketClients.Add(1)
		defer h.m.WebsocketClients.Add(-1)
	}

	send := make(chan []byte, projection.OutboundCap)

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	msgs := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("wsserver: readLoop panic recovered", slog.Any("recover", r), slog.String("client_id", clientID))
			}
		}()
		readLoop(conn, bufrw.Reader, h.log, clientID, msgs)
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-msgs:
			if !ok {
				closeOnce()
				return
			}
			if reply, has := sess.handle(msg, send); has {
				if err := h.write(conn, []byte(reply)); err != nil {
					closeOnce()
					return
				}
			}

		case payload, ok := <-send:
			if !ok {
				closeOnce()
				return
			}
			if err := h.write(conn, payload); err != nil {
				closeOnce()
				return
			}
		}
	}
}

func (h *Handler) write(conn net.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return writeTextFrame(conn, payload)
}

// doVersionHandshake reads the client's first text frame, compares it
// byte-for-byte against ProtocolVersion, and replies accordingly. It
// returns true on a match.
func (h *Handler) doVersionHandshake(conn net.Conn, buf *bufio.Reader) bool {
	version, opcode, err := readOneFrame(buf)
	if err != nil || opcode != 0x1 {
		return false
	}
	if version != ProtocolVersion {
		_ = writeCloseFrame(conn, closeStatusProtocolError, "wrong version")
		return false
	}
	return h.write(conn, []byte("::protocol_version:: "+ProtocolVersion)) == nil
}

// --- helpers ---

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented websocket text
// frame (FIN=1, opcode=0x1). Server-to-client frames must not be masked
// (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	header := frameHeader(0x1, len(payload))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// writeCloseFrame encodes and writes a close frame carrying the given
// status code and UTF-8 reason.
func writeCloseFrame(conn net.Conn, status uint16, reason string) error {
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, status)
	copy(body[2:], reason)

	header := frameHeader(0x8, len(body))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func frameHeader(opcode byte, n int) []byte {
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n < 65536:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	return header
}

// readOneFrame reads a single frame and returns its payload as a string
// along with its opcode. It is used only for the initial handshake frame.
func readOneFrame(buf *bufio.Reader) (string, byte, error) {
	payload, opcode, err := readFrame(buf)
	return string(payload), opcode, err
}

// readFrame reads one websocket frame (client frames are always masked)
// and returns its payload and opcode.
func readFrame(buf *bufio.Reader) ([]byte, byte, error) {
	b0, err := buf.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	b1, err := buf.ReadByte()
	if err != nil {
		return nil, 0, err
	}

	opcode := b0 & 0x0F
	masked := (b1 & 0x80) != 0
	length := int64(b1 & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(buf, ext[:]); err != nil {
			return nil, 0, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(buf, ext[:]); err != nil {
			return nil, 0, err
		}
		rawLen := binary.BigEndian.Uint64(ext[:])
		if rawLen > maxFrameSize {
			return nil, 0, fmt.Errorf("wsserver: frame too large (%d bytes)", rawLen)
		}
		length = int64(rawLen)
	}
	if length > maxFrameSize {
		return nil, 0, fmt.Errorf("wsserver: frame too large (%d bytes)", length)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
			return nil, 0, err
		}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(buf, payload); err != nil {
			return nil, 0, err
		}
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return payload, opcode, nil
}

// readLoop reads frames from conn until it errs or a close frame arrives,
// sending text-frame payloads on msgs. Binary frames are ignored per the
// client protocol. msgs is closed when the loop exits.
func readLoop(conn net.Conn, buf *bufio.Reader, logger *slog.Logger, clientID string, msgs chan<- string) {
	defer close(msgs)
	for {
		payload, opcode, err := readFrame(buf)
		if err != nil {
			return
		}
		switch opcode {
		case 0x1: // text
			msgs <- string(payload)
		case 0x8: // close
			logger.Debug("wsserver: received close frame", slog.String("client_id", clientID))
			return
		default:
			// binary and control frames other than close are ignored
		}
	}
}
