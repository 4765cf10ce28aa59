package bus

import (
	"net"
	"testing"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(client)
	r := NewReader(server)

	hb := Heartbeat{WorkerID: "worker-1", ProtocolVersions: []int{1}, Slots: 2}

	done := make(chan error, 1)
	go func() {
		done <- w.Send(KindHeartbeat, hb)
	}()

	frame, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if frame.Kind != KindHeartbeat {
		t.Errorf("Kind = %v, want %v", frame.Kind, KindHeartbeat)
	}

	var got Heartbeat
	if err := DecodeBody(frame, &got); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if got.WorkerID != hb.WorkerID || got.Slots != hb.Slots {
		t.Errorf("decoded = %+v, want %+v", got, hb)
	}
}

// tcpPipe returns a connected client/server net.Conn pair over real TCP
// loopback. yamux sessions run their own background read/write
// goroutines that assume real socket semantics, so a synchronous
// net.Pipe() (used above for the plain Writer/Reader tests) isn't a fit
// here the way it is for those.
func tcpPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() error = %v", err)
	}
	return client, server
}

func TestSession_OpenKindAcceptKind_RoutesByDeclaredKind(t *testing.T) {
	clientConn, serverConn := tcpPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewClientSession(clientConn)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}
	defer client.Close()
	server, err := NewServerSession(serverConn)
	if err != nil {
		t.Fatalf("NewServerSession() error = %v", err)
	}
	defer server.Close()

	sendDone := make(chan error, 1)
	go func() {
		stream, err := client.OpenKind(KindHeartbeat)
		if err != nil {
			sendDone <- err
			return
		}
		sendDone <- NewWriter(stream).Send(KindHeartbeat, Heartbeat{WorkerID: "w1"})
	}()

	stream, kind, err := server.AcceptKind()
	if err != nil {
		t.Fatalf("AcceptKind() error = %v", err)
	}
	if kind != KindHeartbeat {
		t.Fatalf("kind = %v, want %v", kind, KindHeartbeat)
	}

	frame, err := NewReader(stream).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.Kind != KindHeartbeat {
		t.Errorf("frame.Kind = %v, want %v", frame.Kind, KindHeartbeat)
	}
	var hb Heartbeat
	if err := DecodeBody(frame, &hb); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if hb.WorkerID != "w1" {
		t.Errorf("WorkerID = %v, want w1", hb.WorkerID)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSession_MultipleKinds_DontInterfere(t *testing.T) {
	clientConn, serverConn := tcpPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewClientSession(clientConn)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}
	defer client.Close()
	server, err := NewServerSession(serverConn)
	if err != nil {
		t.Fatalf("NewServerSession() error = %v", err)
	}
	defer server.Close()

	kinds := []Kind{KindHeartbeat, KindTaskStatus, KindLogRecords}
	go func() {
		for _, k := range kinds {
			stream, err := client.OpenKind(k)
			if err != nil {
				return
			}
			_ = NewWriter(stream).Send(k, Heartbeat{WorkerID: string(k)})
		}
	}()

	got := make(map[Kind]bool)
	for range kinds {
		stream, kind, err := server.AcceptKind()
		if err != nil {
			t.Fatalf("AcceptKind() error = %v", err)
		}
		frame, err := NewReader(stream).Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if frame.Kind != kind {
			t.Errorf("frame.Kind = %v, want the stream's declared kind %v", frame.Kind, kind)
		}
		got[kind] = true
	}
	for _, k := range kinds {
		if !got[k] {
			t.Errorf("never saw a stream declared as %v", k)
		}
	}
}

func TestWriterReader_MultipleFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(client)
	r := NewReader(server)

	go func() {
		_ = w.Send(KindHeartbeat, Heartbeat{WorkerID: "a"})
		_ = w.Send(KindHeartbeat, Heartbeat{WorkerID: "b"})
	}()

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	var a, b Heartbeat
	_ = DecodeBody(first, &a)
	_ = DecodeBody(second, &b)
	if a.WorkerID != "a" || b.WorkerID != "b" {
		t.Errorf("expected frames in order, got %v then %v", a.WorkerID, b.WorkerID)
	}
}
