// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqttgw/gateway"
	"github.com/absmach/mqttgw/lb"
	"github.com/absmach/mqttgw/testutil"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func start(t *testing.T, cfg Config, h Handler) string {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	s := New(cfg, h, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("server shutdown timeout")
		}
	})

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	return "ws://" + s.Addr().String() + "/mqtt"
}

func newGateway(t *testing.T) (*gateway.Gateway, *testutil.Connector) {
	t.Helper()
	connector := testutil.NewConnector()
	sel := lb.New(lb.Config{Logger: nullLogger()}, lb.Static{{Addr: "b1:1883"}}, nil)
	require.NoError(t, sel.Refresh(context.Background()))
	gw := gateway.New(gateway.Config{AckTimeout: time.Second, ConnectTimeout: time.Second},
		sel, nil, connector, nil, nullLogger(), nil, nil)
	return gw, connector
}

func encode(t *testing.T, p packets.ControlPacket) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	return buf.Bytes()
}

func readPacket(t *testing.T, ws *websocket.Conn) packets.ControlPacket {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	p, err := packets.ReadPacket(bytes.NewReader(data))
	require.NoError(t, err)
	return p
}

func TestWebSocketSession(t *testing.T) {
	gw, connector := newGateway(t)
	url := start(t, Config{}, gw)

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "mqtt", resp.Header.Get("Sec-Websocket-Protocol"))
	assert.Equal(t, "mqtt", ws.Subprotocol())

	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.ClientIdentifier = "ws-1"
	connect.CleanSession = true
	connect.Keepalive = 30

	// Split CONNECT over two frames.
	raw := encode(t, connect)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[:3]))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[3:]))

	ack, ok := readPacket(t, ws).(*packets.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, byte(packets.Accepted), ack.ReturnCode)

	// Two packets in one frame.
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "sensors/temp"
	pub.Payload = []byte("21")
	pub.Qos = 1
	pub.MessageID = 3
	frame := append(encode(t, pub), encode(t, packets.NewControlPacket(packets.Pingreq))...)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	puback, ok := readPacket(t, ws).(*packets.PubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(3), puback.MessageID)
	_, ok = readPacket(t, ws).(*packets.PingrespPacket)
	require.True(t, ok)

	sinks := connector.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "ws-1", connector.Options()[0].ClientID)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, encode(t, packets.NewControlPacket(packets.Disconnect))))
	require.Eventually(t, sinks[0].Closed, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketTextFrameRejected(t *testing.T) {
	gw, connector := newGateway(t)
	url := start(t, Config{}, gw)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, connector.Sinks())
}

func TestWebSocketRateLimited(t *testing.T) {
	gw, _ := newGateway(t)
	url := start(t, Config{Limiter: denyAll{}}, gw)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// floodHandler writes large frames until the connection fails.
type floodHandler struct {
	conns  chan net.Conn
	writes atomic.Int64
	done   chan error
}

func (h *floodHandler) HandleConnection(_ context.Context, conn net.Conn) error {
	h.conns <- conn
	frame := make([]byte, 1<<20)
	for {
		if _, err := conn.Write(frame); err != nil {
			h.done <- err
			return err
		}
		h.writes.Add(1)
	}
}

func TestCloseNotBlockedByStalledWrite(t *testing.T) {
	h := &floodHandler{conns: make(chan net.Conn, 1), done: make(chan error, 1)}
	url := start(t, Config{Path: "/mqtt"}, h)

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	var conn net.Conn
	select {
	case conn = <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	// The client never reads, so writes stall once the socket buffers fill.
	require.Eventually(t, func() bool {
		n := h.writes.Load()
		time.Sleep(100 * time.Millisecond)
		return n > 0 && h.writes.Load() == n
	}, 5*time.Second, 10*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a pending write")
	}

	select {
	case err := <-h.done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending write not failed by Close")
	}
}
