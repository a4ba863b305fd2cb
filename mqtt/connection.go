// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mqttgw/internal/bufpool"
)

var (
	ErrNotConnect                 = errors.New("first packet must be CONNECT")
	ErrUnsupportedProtocolVersion = errors.New("unsupported MQTT protocol version")
	ErrUnexpectedPacket           = errors.New("unexpected packet")
	ErrMalformedPacket            = errors.New("malformed packet")
	ErrCannotEncodeNilPacket      = errors.New("cannot encode nil packet")
)

type codec interface {
	decode(r io.Reader) (Packet, error)
	encode(w io.Writer, p Packet) error
}

// Connection reads and writes MQTT packets on a client connection. The
// protocol version is fixed by the first packet, which must be CONNECT.
// Reads happen on a single goroutine; writes may come from any goroutine.
type Connection struct {
	conn   net.Conn
	reader io.Reader
	logger *slog.Logger

	codec   codec
	version byte

	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps a network connection. Every packet read or written is
// logged at debug level on logger.
func NewConnection(conn net.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}
}

// ReadPacket reads the next packet.
func (c *Connection) ReadPacket() (Packet, error) {
	if c.codec == nil {
		if err := c.detect(); err != nil {
			return nil, err
		}
	}

	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}

	p, err := c.codec.decode(c.reader)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("packet received", logAttrs(p)...)
	return p, nil
}

func (c *Connection) detect() error {
	version, restored, err := DetectProtocolVersion(c.reader)
	if err != nil {
		return err
	}
	c.reader = restored

	switch version {
	case V31, V311:
		c.codec = v3Codec{}
	case V5:
		c.codec = v5Codec{}
	case 0:
		return ErrNotConnect
	default:
		return ErrUnsupportedProtocolVersion
	}

	c.wmu.Lock()
	c.version = version
	c.wmu.Unlock()
	return nil
}

// WritePacket encodes and writes a packet. It is safe for concurrent use.
func (c *Connection) WritePacket(p Packet) error {
	if p == nil {
		return ErrCannotEncodeNilPacket
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var cd codec
	switch c.version {
	case V31, V311:
		cd = v3Codec{}
	case V5:
		cd = v5Codec{}
	default:
		return ErrNotConnect
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := cd.encode(buf, p); err != nil {
		return err
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	c.logger.Debug("packet sent", logAttrs(p)...)
	return nil
}

// SetKeepAlive bounds the wait for the next packet to one and a half times
// the client keep alive. Zero disables the bound.
func (c *Connection) SetKeepAlive(d time.Duration) {
	c.readTimeout = d + d/2
}

// SetWriteTimeout bounds every write.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// Version returns the negotiated protocol level, or 0 before CONNECT.
func (c *Connection) Version() byte {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.version
}

// Close closes the underlying connection. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// NetConn returns the wrapped connection.
func (c *Connection) NetConn() net.Conn {
	return c.conn
}
