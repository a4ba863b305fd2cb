// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidProtocol indicates the protocol name or level of a CONNECT is not MQTT.
var ErrInvalidProtocol = errors.New("invalid protocol")

// sniffLen covers the fixed header, the protocol name and the protocol
// level of the shortest valid CONNECT.
const sniffLen = 12

// DetectProtocolVersion peeks at the start of a stream to find the protocol
// level of the CONNECT packet. It returns the level (3 for MQTT 3.1, 4 for
// 3.1.1, 5 for 5.0), or 0 when the stream does not start with CONNECT,
// along with a reader that replays the consumed bytes.
func DetectProtocolVersion(r io.Reader) (byte, io.Reader, error) {
	peek := make([]byte, sniffLen)
	n, err := io.ReadFull(r, peek)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, io.EOF
	}
	restored := io.MultiReader(bytes.NewReader(peek[:n]), r)
	if n < 8 || peek[0]&0xF0 != 0x10 {
		return 0, restored, nil
	}

	// Skip the 1 to 4 byte remaining length.
	idx := 1
	for i := 0; i < 4; i++ {
		if idx >= n {
			return 0, restored, nil
		}
		digit := peek[idx]
		idx++
		if digit&0x80 == 0 {
			break
		}
	}

	if idx+2 > n {
		return 0, restored, nil
	}
	nameLen := int(peek[idx])<<8 | int(peek[idx+1])
	idx += 2
	if idx+nameLen+1 > n {
		return 0, restored, nil
	}

	name := string(peek[idx : idx+nameLen])
	level := peek[idx+nameLen]

	switch {
	case name == "MQTT" && (level == V311 || level == V5):
		return level, restored, nil
	case name == "MQIsdp" && level == V31:
		return level, restored, nil
	}
	return 0, restored, ErrInvalidProtocol
}
