package transport

import (
	"net"
	"testing"
	"time"
)

func TestSessionEchoOverLoopback(t *testing.T) {
	l, err := Listen("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	go func() {
		srv, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		n, err := srv.Read(buf)
		if err != nil {
			return
		}
		srv.Write(buf[:n])
	}()

	cli, err := Dial("udp", l.Addr().(*net.UDPAddr).String(), 42)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()
	cli.Engine().SetNodelay(1, 10, 2, 1)

	cli.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := cli.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 256)
	n, err := cli.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, want %q", buf[:n], "ping")
	}
}

func TestSessionReadDeadline(t *testing.T) {
	l, err := Listen("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	cli, err := Dial("udp", l.Addr().(*net.UDPAddr).String(), 7)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	cli.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := cli.Read(make([]byte, 16)); err == nil {
		t.Fatalf("Read with nothing sent and a short deadline should time out")
	}
}

func TestSessionWriteDeadline(t *testing.T) {
	l, err := Listen("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	cli, err := Dial("udp", l.Addr().(*net.UDPAddr).String(), 13)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	cli.SetWriteDeadline(time.Now().Add(-time.Second))
	_, err = cli.Write([]byte("too late"))
	if err == nil {
		t.Fatalf("Write past an already-elapsed write deadline should fail")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("Write error = %v, want a net.Error with Timeout() true", err)
	}
}
