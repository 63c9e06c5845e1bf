// Package channel implements a message channel over a non-blocking duplex
// byte stream: an outbound queue written with partial writes and an
// inbound buffer filled by partial reads, framed by the protocol codec.
package channel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/protocol"
)

var (
	// ErrBacklogExceeded is returned by Enqueue when the outbound queue is
	// already at its configured bound. Callers treat it as a hard failure.
	ErrBacklogExceeded = errors.New("send backlog exceeded")

	// ErrClosed is returned for operations on a closed channel
	ErrClosed = errors.New("channel closed")

	// ErrPeerClosed is returned by Receive when the stream reached EOF
	ErrPeerClosed = errors.New("peer closed stream")
)

// Config bounds the outbound queue.
type Config struct {
	MaxBacklogBytes   int
	MaxQueuedMessages int
}

// DefaultConfig returns the default queue bounds.
func DefaultConfig() Config {
	return Config{
		MaxBacklogBytes:   4 << 20,
		MaxQueuedMessages: 4096,
	}
}

// SendStatus is the non-error outcome of Send.
type SendStatus int

const (
	// SendWouldBlock means nothing could be written
	SendWouldBlock SendStatus = iota
	// SendProgress means at least one byte was written
	SendProgress
)

// Channel is one endpoint of a framed message stream. It is not safe for
// concurrent use.
type Channel struct {
	recvFD int
	sendFD int
	cfg    Config

	// Outbound: encoded messages in FIFO order; sendOff is the write
	// cursor into sendq[0].
	sendq       [][]byte
	sendOff     int
	queuedBytes int

	// Inbound: bytes of the message currently being received.
	recvBuf []byte

	closed bool
}

// New wraps the given descriptors (which may be the same descriptor) and
// switches them to non-blocking mode. The channel owns the descriptors.
func New(recvFD, sendFD int, cfg Config) (*Channel, error) {
	if err := unix.SetNonblock(recvFD, true); err != nil {
		return nil, fmt.Errorf("set nonblocking on fd %d: %w", recvFD, err)
	}
	if sendFD != recvFD {
		if err := unix.SetNonblock(sendFD, true); err != nil {
			return nil, fmt.Errorf("set nonblocking on fd %d: %w", sendFD, err)
		}
	}

	if cfg.MaxBacklogBytes <= 0 {
		cfg.MaxBacklogBytes = DefaultConfig().MaxBacklogBytes
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = DefaultConfig().MaxQueuedMessages
	}

	return &Channel{
		recvFD: recvFD,
		sendFD: sendFD,
		cfg:    cfg,
	}, nil
}

// RecvFD returns the descriptor to watch for readability.
func (c *Channel) RecvFD() int {
	return c.recvFD
}

// SendFD returns the descriptor to watch for writability.
func (c *Channel) SendFD() int {
	return c.sendFD
}

// Enqueue appends a message to the outbound queue. If the queue is
// already at either bound the message is not queued and
// ErrBacklogExceeded is returned.
func (c *Channel) Enqueue(m protocol.Message) error {
	if c.closed {
		return ErrClosed
	}
	if len(c.sendq) >= c.cfg.MaxQueuedMessages || c.queuedBytes >= c.cfg.MaxBacklogBytes {
		return ErrBacklogExceeded
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	c.sendq = append(c.sendq, data)
	c.queuedBytes += len(data)
	return nil
}

// Send writes as much of the outbound queue as the stream accepts without
// blocking. A partially written message keeps its cursor for the next
// call. Any returned error is fatal for the channel.
func (c *Channel) Send() (SendStatus, error) {
	if c.closed {
		return SendWouldBlock, ErrClosed
	}

	status := SendWouldBlock
	for len(c.sendq) > 0 {
		front := c.sendq[0]
		n, err := unix.Write(c.sendFD, front[c.sendOff:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return status, nil
			}
			return status, fmt.Errorf("write: %w", err)
		}
		if n == 0 {
			return status, nil
		}
		status = SendProgress

		c.sendOff += n
		c.queuedBytes -= n
		if c.sendOff == len(front) {
			c.sendq[0] = nil
			c.sendq = c.sendq[1:]
			c.sendOff = 0
		}
	}
	if len(c.sendq) == 0 {
		c.sendq = nil
	}
	return status, nil
}

// Receive reads available bytes and returns at most one complete message.
// It returns (nil, nil) when the stream has no more data for now. It reads
// no further than the end of the current message, so unread messages stay
// in the kernel buffer and keep the descriptor readable. Errors wrapping
// protocol.ErrMalformed are protocol errors; all errors are fatal.
func (c *Channel) Receive() (protocol.Message, error) {
	if c.closed {
		return nil, ErrClosed
	}

	for {
		need, err := c.bytesNeeded()
		if err != nil {
			return nil, err
		}

		if need == 0 {
			m, _, err := protocol.Decode(c.recvBuf)
			if err != nil {
				return nil, err
			}
			c.recvBuf = c.recvBuf[:0]
			return m, nil
		}

		start := len(c.recvBuf)
		if cap(c.recvBuf)-start < need {
			grown := make([]byte, start, start+need)
			copy(grown, c.recvBuf)
			c.recvBuf = grown
		}

		n, err := unix.Read(c.recvFD, c.recvBuf[start:start+need])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return nil, nil
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return nil, ErrPeerClosed
		}
		c.recvBuf = c.recvBuf[:start+n]
	}
}

// bytesNeeded returns how many more bytes complete the current message.
func (c *Channel) bytesNeeded() (int, error) {
	if len(c.recvBuf) < protocol.HeaderSize {
		return protocol.HeaderSize - len(c.recvBuf), nil
	}
	_, length, err := protocol.DecodeHeader(c.recvBuf)
	if err != nil {
		return 0, err
	}
	return protocol.HeaderSize + int(length) - len(c.recvBuf), nil
}

// HasOutbound reports whether queued bytes remain to be written.
func (c *Channel) HasOutbound() bool {
	return len(c.sendq) > 0
}

// Backlog returns the number of queued messages and unwritten bytes.
func (c *Channel) Backlog() (messages, bytes int) {
	return len(c.sendq), c.queuedBytes
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed
}

// Close releases the descriptors and discards all queued and partially
// received data.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sendq = nil
	c.sendOff = 0
	c.queuedBytes = 0
	c.recvBuf = nil

	err := unix.Close(c.recvFD)
	if c.sendFD != c.recvFD {
		if serr := unix.Close(c.sendFD); err == nil {
			err = serr
		}
	}
	return err
}
