/*Package comm provides a line oriented link to auxiliary lab hardware over TCP or a serial port.

Usage boils down to:
	1.  create a RemoteDevice with the address of the hardware.
	2.  set Serial if the address is a serial port, and Terminator if the
		hardware does not use carriage returns.
	3.  Open, exchange commands with SendRecv or Send, and Close.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// DefaultTerminator terminates transmissions and receipts unless overridden
const DefaultTerminator = byte('\r')

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// RemoteDevice has an address and a connection to it.
//
// the device is concurrent-safe; a SendRecv is never interleaved with another
type RemoteDevice struct {
	sync.Mutex

	// Addr is host:port, or a serial port if Serial is not nil
	Addr string

	// Serial configures a serial link.  Its Name is overwritten with Addr
	Serial *serial.Config

	// Terminator ends each transmission and receipt.  0 uses DefaultTerminator
	Terminator byte

	// Timeout bounds the connect and each exchange.  0 is 3 seconds
	Timeout time.Duration

	Conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  A nil serial config makes a TCP device
func NewRemoteDevice(addr string, serialConf *serial.Config) *RemoteDevice {
	return &RemoteDevice{Addr: addr, Serial: serialConf}
}

func (rd *RemoteDevice) term() byte {
	if rd.Terminator == 0 {
		return DefaultTerminator
	}
	return rd.Terminator
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout == 0 {
		return 3 * time.Second
	}
	return rd.Timeout
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff, some hardware does not like being connection thrashed.
	// a refused connection is permanent, there is nobody listening
	op := func() error {
		err := rd.open()
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.timeout(),
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.Serial != nil {
		conf := *rd.Serial
		conf.Name = rd.Addr
		if conf.ReadTimeout == 0 {
			conf.ReadTimeout = rd.timeout()
		}
		conn, err = serial.OpenPort(&conf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rd = nil
	return err
}

func (rd *RemoteDevice) deadline() {
	if c, ok := rd.Conn.(net.Conn); ok {
		c.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	_, err := rd.Conn.Write(append(buf, rd.term()))
	return err
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.term()
	buf, err := rd.rd.ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		return buf[:len(buf)-1], nil
	}
	return buf, ErrTerminatorNotFound
}

// Send writes data to the remote followed by the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	return rd.send(b)
}

// Recv recieves data from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	return rd.recv()
}

// SendRecv sends a buffer after appending the terminator,
// then returns the response with the terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if err := rd.send(b); err != nil {
		return []byte{}, err
	}
	return rd.recv()
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
