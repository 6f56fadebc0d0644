package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/syncraster/comm"
)

// upperServer answers each \r terminated line with its upper case echo
func upperServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rd := bufio.NewReader(c)
				for {
					line, err := rd.ReadString('\r')
					if err != nil {
						return
					}
					c.Write([]byte(strings.ToUpper(line)))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendRecv(t *testing.T) {
	rd := comm.NewRemoteDevice(upperServer(t), nil)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	for _, cmd := range []string{"shutter open", "blank 1"} {
		resp, err := rd.SendRecv([]byte(cmd))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != strings.ToUpper(cmd) {
			t.Errorf("expected %q, got %q", strings.ToUpper(cmd), resp)
		}
	}
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", nil)
	if err := rd.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestOpenRefusedGivesUpQuickly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	rd := comm.NewRemoteDevice(addr, nil)
	rd.Timeout = 2 * time.Second
	start := time.Now()
	if err := rd.Open(); err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	if time.Since(start) > time.Second {
		t.Errorf("refused connection was retried for %v", time.Since(start))
	}
}
