package wsserver

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 mandated by RFC 6455
	"encoding/base64"
	"encoding/binary"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/alarmd/internal/alarm"
)

type fakeBroadcaster struct {
	subs map[string]chan<- []byte
}

func (f *fakeBroadcaster) Subscribe(name, clientID string, ch chan<- []byte) bool {
	if f.subs == nil {
		f.subs = make(map[string]chan<- []byte)
	}
	if _, ok := f.subs[name]; ok {
		return false
	}
	f.subs[name] = ch
	return true
}

func (f *fakeBroadcaster) Unsubscribe(clientID string) {}

func (f *fakeBroadcaster) GetAllSubscribed(names []string) []alarm.Event {
	out := make([]alarm.Event, 0, len(names))
	for _, n := range names {
		out = append(out, alarm.Event{Name: n, State: alarm.StateSet})
	}
	return out
}

type fakeRoute struct{ known map[string]bool }

func (f fakeRoute) Valid(name string) bool { return f.known[name] }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandler() *Handler {
	bc := &fakeBroadcaster{}
	route := fakeRoute{known: map[string]bool{"area/alarm1": true}}
	acks := make(chan string, 10)
	return NewHandler(bc, route, acks, testLogger(), nil, time.Second)
}

func TestHandlerRejectsNonWebSocket(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUpgradeRequired, rr.Code)
}

func TestHandlerRejectsMissingKey(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// wsTestClient dials a raw TCP connection to an httptest server and performs
// the HTTP upgrade handshake by hand, exposing frame-level read/write
// helpers for driving the protocol-version handshake and command dispatch.
type wsTestClient struct {
	t    *testing.T
	conn net.Conn
	buf  *bufio.Reader
}

func dialWS(t *testing.T, addr string) *wsTestClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /ws HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	buf := bufio.NewReader(conn)
	resp, err := http.ReadResponse(buf, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, computeAcceptKey(key), resp.Header.Get("Sec-WebSocket-Accept"))

	return &wsTestClient{t: t, conn: conn, buf: buf}
}

func (c *wsTestClient) sendText(msg string) {
	c.t.Helper()
	payload := []byte(msg)
	header := clientFrameHeader(0x1, len(payload))
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	_, err := c.conn.Write(header)
	require.NoError(c.t, err)
	_, err = c.conn.Write(mask[:])
	require.NoError(c.t, err)
	_, err = c.conn.Write(masked)
	require.NoError(c.t, err)
}

func (c *wsTestClient) readFrame() (payload []byte, opcode byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	p, op, err := readFrame(c.buf)
	require.NoError(c.t, err)
	return p, op
}

func clientFrameHeader(opcode byte, n int) []byte {
	if n < 126 {
		return []byte{0x80 | opcode, 0x80 | byte(n)}
	}
	header := []byte{0x80 | opcode, 0x80 | 126, 0, 0}
	binary.BigEndian.PutUint16(header[2:], uint16(n))
	return header
}

func TestHandshake_MatchingVersionReceivesAck(t *testing.T) {
	srv := httptest.NewServer(newTestHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText(ProtocolVersion)

	payload, opcode := c.readFrame()
	require.Equal(t, byte(0x1), opcode)
	assert.Equal(t, "::protocol_version:: "+ProtocolVersion, string(payload))
}

func TestHandshake_MismatchedVersionCloses(t *testing.T) {
	srv := httptest.NewServer(newTestHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText("0.1")

	_, opcode := c.readFrame()
	assert.Equal(t, byte(0x8), opcode)
}

func TestDispatch_GetAllRepliesWithSubscribedEvents(t *testing.T) {
	srv := httptest.NewServer(newTestHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText(ProtocolVersion)
	c.readFrame() // protocol ack

	c.sendText("::subscribe::area/alarm1")
	c.sendText("::ga::")

	payload, opcode := c.readFrame()
	require.Equal(t, byte(0x1), opcode)
	assert.Contains(t, string(payload), "area/alarm1")
}

func TestDispatch_AckUnknownNameRepliesWithError(t *testing.T) {
	srv := httptest.NewServer(newTestHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText(ProtocolVersion)
	c.readFrame() // protocol ack

	c.sendText("::ack::no/such/alarm")

	payload, opcode := c.readFrame()
	require.Equal(t, byte(0x1), opcode)
	assert.Contains(t, string(payload), "Couldn't find")
}

func TestDispatch_AckKnownNameForwardsOnChannel(t *testing.T) {
	bc := &fakeBroadcaster{}
	route := fakeRoute{known: map[string]bool{"area/alarm1": true}}
	acks := make(chan string, 1)
	h := NewHandler(bc, route, acks, testLogger(), nil, time.Second)

	srv := httptest.NewServer(h)
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText(ProtocolVersion)
	c.readFrame() // protocol ack

	c.sendText("::ack::area/alarm1")

	select {
	case name := <-acks:
		assert.Equal(t, "area/alarm1", name)
	case <-time.After(2 * time.Second):
		t.Fatal("ack was not forwarded on the shared channel")
	}
}

func TestDispatch_KeepAliveProducesNoReply(t *testing.T) {
	srv := httptest.NewServer(newTestHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	c := dialWS(t, addr)
	defer c.conn.Close()

	c.sendText(ProtocolVersion)
	c.readFrame() // protocol ack

	c.sendText("::ka::")
	c.sendText("::ga::") // follow with a command that always replies, to bound the wait

	payload, _ := c.readFrame()
	assert.NotContains(t, string(payload), "::ka::")
}
