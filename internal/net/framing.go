package net

import (
	"bytes"
	"errors"

	"fixmatch/internal/fix"
)

// MAX_FRAME_SIZE bounds how much unframed input a connection may buffer.
const MAX_FRAME_SIZE = 16 * MAX_RECV_SIZE

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

var (
	beginMarker    = []byte("8=")
	checksumMarker = []byte{fix.SOH, '1', '0', '='}
)

// NextFrame cuts the first complete message out of buf. A message runs from
// "8=" up to and including the three checksum digits, plus a trailing SOH
// when one is already buffered. Bytes before "8=" are discarded. When no
// complete message is buffered, ok is false and rest holds what must be
// kept for the next read.
func NextFrame(buf []byte) (frame, rest []byte, ok bool) {
	start := bytes.Index(buf, beginMarker)
	if start < 0 {
		if n := len(buf); n > 0 && buf[n-1] == '8' {
			return nil, buf[n-1:], false
		}
		return nil, nil, false
	}
	buf = buf[start:]

	cs := bytes.Index(buf, checksumMarker)
	if cs < 0 {
		return nil, buf, false
	}
	end := cs + len(checksumMarker) + 3
	if len(buf) < end {
		return nil, buf, false
	}
	if len(buf) > end && buf[end] == fix.SOH {
		end++
	}
	return buf[:end], buf[end:], true
}

// frames appends data to the connection buffer and returns every complete
// message now available.
func (c *client) frames(data []byte) ([][]byte, error) {
	c.buf = append(c.buf, data...)

	var out [][]byte
	for {
		frame, rest, ok := NextFrame(c.buf)
		if !ok {
			c.buf = append(c.buf[:0], rest...)
			break
		}
		out = append(out, append([]byte(nil), frame...))
		c.buf = rest
	}
	if len(c.buf) > MAX_FRAME_SIZE {
		return out, ErrFrameTooLarge
	}
	return out, nil
}
