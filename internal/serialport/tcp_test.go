package serialport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestDiscoverTCPParsesIdentityLine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		reader.ReadString('\n')
		reader.ReadString('\n')
		conn.Write([]byte("Ixyz123\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sn, err := DiscoverTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if sn != "xyz123" {
		t.Fatalf("got %q, want xyz123", sn)
	}
}

func TestDiscoverTCPSkipsNonIdentityLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("banner\r\nIabc\r\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sn, err := DiscoverTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if sn != "abc" {
		t.Fatalf("got %q, want abc", sn)
	}
}

func TestEqualFoldHex(t *testing.T) {
	if !equalFoldHex("16c0", "16C0") {
		t.Fatal("expected case-insensitive match")
	}
	if equalFoldHex("16c0", "27dd") {
		t.Fatal("expected mismatch")
	}
}
