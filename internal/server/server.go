// Package server implements the scheduler's network surface —
// query/mutate/subscribe over authenticated, length-framed TCP
// connections. The contract only requires reliable message boundaries
// plus authentication, so this is a plain framed-JSON protocol rather
// than a full RPC framework (see DESIGN.md).
package server

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/swarmguard/cyclesched/internal/errs"
)

const ProtocolVersion = 1

// RequestKind is one of the three network operation shapes.
type RequestKind string

const (
	RequestQuery     RequestKind = "query"
	RequestMutate    RequestKind = "mutate"
	RequestSubscribe RequestKind = "subscribe"
)

// Envelope is the wire shape of every request and response, carrying
// the protocol version so a client/server skew is a clear, early
// error rather than a confusing parse failure deeper in.
type Envelope struct {
	Version int             `json:"version"`
	Kind    RequestKind     `json:"kind"`
	Method  string          `json:"method"`
	Auth    string          `json:"auth"` // HMAC over (method + body) under the shared secret
	Body    json.RawMessage `json:"body"`
}

type Response struct {
	Version int             `json:"version"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Handler serves one method name; subscribe handlers stream Responses
// back over send until the client disconnects or ctx is canceled.
type Handler func(ctx context.Context, body json.RawMessage, send func(Response) error) error

// Server accepts framed, authenticated TCP connections and dispatches
// each request to the handler registered for its method.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	secret   []byte
	logger   *slog.Logger

	ln net.Listener
}

func New(secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handlers: make(map[string]Handler), secret: []byte(secret), logger: logger}
}

// Register installs the handler for a method name, e.g. "pool.list",
// "command.hold", "events.subscribe".
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Listen binds addr and returns the bound address (useful when addr's
// port is 0), without yet accepting connections.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	return ln.Addr().String(), nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		env, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("server: frame read error", "error", err, "remote", conn.RemoteAddr())
			}
			return
		}
		resp := s.dispatch(ctx, env, conn)
		if env.Kind != RequestSubscribe {
			if err := writeFrame(conn, resp); err != nil {
				s.logger.Warn("server: frame write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, env Envelope, conn net.Conn) Response {
	if env.Version != ProtocolVersion {
		return errResponse(fmt.Errorf("protocol version mismatch: got %d want %d", env.Version, ProtocolVersion))
	}
	if !s.authenticate(env) {
		return errResponse(errs.New(errs.KindMessageAuth, "request authentication failed"))
	}
	s.mu.RLock()
	h, ok := s.handlers[env.Method]
	s.mu.RUnlock()
	if !ok {
		return errResponse(fmt.Errorf("unknown method %q", env.Method))
	}

	if env.Kind == RequestSubscribe {
		send := func(r Response) error { return writeFrame(conn, r) }
		if err := h(ctx, env.Body, send); err != nil {
			_ = writeFrame(conn, errResponse(err))
		}
		return Response{}
	}

	var result Response
	err := h(ctx, env.Body, func(r Response) error { result = r; return nil })
	if err != nil {
		return errResponse(err)
	}
	result.Version = ProtocolVersion
	result.OK = true
	return result
}

func (s *Server) authenticate(env Envelope) bool {
	if len(s.secret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(env.Method))
	mac.Write(env.Body)
	expected := fmt.Sprintf("%x", mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(env.Auth)) == 1
}

func errResponse(err error) Response {
	return Response{Version: ProtocolVersion, OK: false, Error: err.Error()}
}

// Sign computes the Auth field for an outbound request, for client
// callers constructing an Envelope. An empty body is signed as JSON
// null, which is how a nil Body reaches the server.
func Sign(secret, method string, body json.RawMessage) string {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// readFrame/writeFrame implement a simple length-prefixed JSON framing:
// a 4-byte big-endian length followed by that many bytes of JSON. This
// gives a reliable message boundary without depending on a
// message-queue broker for a single point-to-point control channel.
func readFrame(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("server: decode frame: %w", err)
	}
	return env, nil
}

func writeFrame(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteRequest frames and writes env to w, the client-side counterpart
// of readFrame — exported for the command-line client and for tests.
func WriteRequest(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadResponse reads one framed Response from r, the client-side
// counterpart of writeFrame.
func ReadResponse(r *bufio.Reader) (Response, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Response{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
