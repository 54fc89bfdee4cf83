// Package wire implements the agent protocol. A connection carries exactly
// one command: the caller sends the command name, the serving side answers
// with an acknowledgement, then the command specific payload follows and
// the serving side terminates the exchange with a final acknowledgement.
//
// Values are encoded as a stream of JSON documents. The same Conn is used by
// the listener serving inbound commands and by the coordinator client.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sjq4/agent/internal/model"
)

// Inbound commands served by the agent.
const (
	CmdExe     = "EXE"
	CmdKill    = "KILL"
	CmdKillAll = "KILLALL"
	CmdUpdate  = "UPDATE"
)

// Outbound commands served by the coordinator.
const (
	CmdLogExe     = "LOGEXE"
	CmdLogTest    = "LOGTEST"
	CmdSetArgs    = "SETARGS"
	CmdGetArgs    = "GETARGS"
	CmdSetTaskRes = "SETTASKRES"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrInvalidConn = errors.New("connection is no longer valid")
	ErrRejected    = errors.New("command rejected")
)

// AckError is returned when the peer answered with ERR.
type AckError struct {
	Command string
	Reason  string
}

func (e *AckError) Error() string {
	if e.Reason == "" {
		return e.Command + ": rejected"
	}
	return e.Command + ": " + e.Reason
}

func (e *AckError) Is(target error) bool {
	return target == ErrRejected
}

// Conn is a single use protocol connection. It's not safe for concurrent use.
// Any transport failure invalidates the Conn, every subsequent operation
// then fails with ErrInvalidConn. Malformed input only ends the read side,
// the peer can still be told what was wrong with it.
type Conn struct {
	nc      net.Conn
	bw      *bufio.Writer
	enc     *json.Encoder
	dec     *json.Decoder
	timeout time.Duration
	err     error
	readErr error
}

func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bw := bufio.NewWriter(nc)
	return &Conn{
		nc:      nc,
		bw:      bw,
		enc:     json.NewEncoder(bw),
		dec:     json.NewDecoder(bufio.NewReader(nc)),
		timeout: timeout,
	}
}

// Dial connects to addr. The context bounds the connection setup only.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	var d net.Dialer
	if timeout > 0 {
		d.Timeout = timeout
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, timeout), nil
}

// Valid reports whether the connection can still be used.
func (c *Conn) Valid() bool {
	return c.err == nil
}

// Invalidate marks the connection as unusable.
func (c *Conn) Invalidate(err error) {
	if c.err != nil {
		return
	}
	if err == nil {
		err = ErrInvalidConn
	}
	c.err = err
}

func (c *Conn) Close() error {
	c.Invalidate(nil)
	return c.nc.Close()
}

// Write encodes v and flushes it to the peer.
func (c *Conn) Write(v any) error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConn, c.err)
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		c.Invalidate(err)
		return err
	}
	if err := c.enc.Encode(v); err != nil {
		c.Invalidate(err)
		return fmt.Errorf("encoding %T: %w", v, err)
	}
	if err := c.bw.Flush(); err != nil {
		c.Invalidate(err)
		return fmt.Errorf("flushing %T: %w", v, err)
	}
	return nil
}

// Read decodes the next value sent by the peer into v.
func (c *Conn) Read(v any) error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConn, c.err)
	}
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConn, c.readErr)
	}
	if err := c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		c.Invalidate(err)
		return err
	}
	if err := c.dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case isTransport(err):
			c.Invalidate(err)
		case errors.As(err, &typeErr):
			// a value of a wrong type is consumed whole, the stream stays usable
		default:
			c.readErr = err
		}
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

func isTransport(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &netErr)
}

func (c *Conn) WriteAck(ack model.NetworkAck) error {
	return c.Write(ack)
}

func (c *Conn) ReadAck() (model.NetworkAck, error) {
	var ack model.NetworkAck
	err := c.Read(&ack)
	return ack, err
}

// ReadCommand reads the command name opening an exchange.
func (c *Conn) ReadCommand() (string, error) {
	var name string
	err := c.Read(&name)
	return name, err
}

// SendCommand opens an exchange and returns an error unless the peer
// accepted the command.
func (c *Conn) SendCommand(name string) error {
	if err := c.Write(name); err != nil {
		return err
	}
	ack, err := c.ReadAck()
	if err != nil {
		return err
	}
	if !ack.OK {
		return &AckError{Command: name, Reason: ack.Message}
	}
	return nil
}

// Finish reads the final acknowledgement of the exchange.
func (c *Conn) Finish(name string) (model.NetworkAck, error) {
	ack, err := c.ReadAck()
	if err != nil {
		return ack, err
	}
	if !ack.OK {
		return ack, &AckError{Command: name, Reason: ack.Message}
	}
	return ack, nil
}
