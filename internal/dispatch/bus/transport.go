package bus

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/yamux"
)

// Session wraps one yamux-multiplexed Dispatcher<->Worker connection. The
// dispatcher side calls NewServerSession after Accept-ing a TCP
// connection; the worker side calls NewClientSession after Dial-ing the
// dispatcher's bus address. Each message kind gets its own logical
// stream (OpenKind/AcceptKind) so a burst of one kind, e.g. LogRecords,
// can never head-of-line block another, e.g. Heartbeat, on the same
// connection.
type Session struct {
	session *yamux.Session
}

func NewServerSession(conn net.Conn) (*Session, error) {
	s, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("bus: yamux server: %w", err)
	}
	return &Session{session: s}, nil
}

func NewClientSession(conn net.Conn) (*Session, error) {
	s, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("bus: yamux client: %w", err)
	}
	return &Session{session: s}, nil
}

// OpenKind opens a new logical stream dedicated to carrying frames of one
// kind, and writes a one-line header naming that kind before handing the
// stream back. yamux streams are otherwise anonymous, so the header is
// what lets the far side's AcceptKind route an incoming stream to the
// right reader without relying on the order Open and Accept are called in.
func (s *Session) OpenKind(kind Kind) (net.Conn, error) {
	conn, err := s.session.Open()
	if err != nil {
		return nil, fmt.Errorf("bus: open %s stream: %w", kind, err)
	}
	if _, err := conn.Write([]byte(string(kind) + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: write %s stream header: %w", kind, err)
	}
	return conn, nil
}

// AcceptKind waits for the other side to open a logical stream, reads its
// kind header, and returns a connection positioned right after that
// header so the caller can decode Frames from it as usual.
func (s *Session) AcceptKind() (net.Conn, Kind, error) {
	conn, err := s.session.Accept()
	if err != nil {
		return nil, "", err
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("bus: read stream kind header: %w", err)
	}
	return &headeredConn{Conn: conn, r: r}, Kind(strings.TrimSuffix(line, "\n")), nil
}

// headeredConn is a net.Conn whose reads come from a bufio.Reader that
// already consumed a kind header, so buffered bytes past the header
// aren't lost the way they would be reading straight from the
// underlying conn again.
type headeredConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *headeredConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func (s *Session) Close() error {
	return s.session.Close()
}

var mpHandle = &msgpack.MsgpackHandle{}

// Writer encodes Frames onto a stream, one msgpack value per frame. Since
// msgpack encoding is self-delimiting, a Reader on the other end can
// decode frames back to back from the same stream without any extra
// length-prefix framing.
type Writer struct {
	enc *msgpack.Encoder
}

func NewWriter(conn net.Conn) *Writer {
	return &Writer{enc: msgpack.NewEncoder(conn, mpHandle)}
}

// Send encodes payload, wraps it in a Frame of the given kind, and writes
// it to the stream.
func (w *Writer) Send(kind Kind, payload interface{}) error {
	var body []byte
	enc := msgpack.NewEncoderBytes(&body, mpHandle)
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("bus: encode payload: %w", err)
	}
	if err := w.enc.Encode(Frame{Kind: kind, Body: body}); err != nil {
		return fmt.Errorf("bus: encode frame: %w", err)
	}
	return nil
}

// Reader decodes Frames from a stream one at a time.
type Reader struct {
	dec *msgpack.Decoder
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{dec: msgpack.NewDecoder(conn, mpHandle)}
}

// Next blocks until the next Frame is available on the stream.
func (r *Reader) Next() (Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// DecodeBody decodes a Frame's body into out, which must be a pointer.
func DecodeBody(f Frame, out interface{}) error {
	dec := msgpack.NewDecoderBytes(f.Body, mpHandle)
	return dec.Decode(out)
}
