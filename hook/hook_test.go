package hook

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recorder accepts one connection at a time and records \r terminated lines, replying "ok"
func recorder(t *testing.T) (string, chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	got := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			rd := bufio.NewReader(conn)
			for {
				line, err := rd.ReadString('\r')
				if err != nil {
					break
				}
				got <- line[:len(line)-1]
				conn.Write([]byte("ok\r"))
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), got
}

func TestNewWithoutAddressIsNop(t *testing.T) {
	if _, ok := New(Config{}).(Nop); !ok {
		t.Error("expected Nop for an empty config")
	}
}

func TestPrePostSendCommandsInOrder(t *testing.T) {
	addr, got := recorder(t)
	pp := New(Config{Addr: addr, Pre: []string{"SHUT 1", "BLANK 0"}, Post: []string{"SHUT 0"}, Reply: true})
	ctx := context.Background()
	if err := pp.PreScan(ctx); err != nil {
		t.Fatal(err)
	}
	if err := pp.PostScan(ctx); err != nil {
		t.Fatal(err)
	}
	var seen []string
	for i := 0; i < 3; i++ {
		seen = append(seen, <-got)
	}
	if diff := cmp.Diff([]string{"SHUT 1", "BLANK 0", "SHUT 0"}, seen); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestRaw(t *testing.T) {
	addr, _ := recorder(t)
	in := NewInstrument(Config{Addr: addr, Reply: true})
	resp, err := in.Raw("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Errorf("expected ok, got %q", resp)
	}
}
