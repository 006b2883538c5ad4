package botapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/valyala/fasthttp"
)

// LineStream yields the records of an ndjson stream one line at a time.
// An empty line is a keep-alive.
type LineStream interface {
	Next() ([]byte, error)
	Close() error
}

var ErrStreamClosed = errors.New("stream closed")

type lineStream struct {
	reader *bufio.Reader
	resp   *fasthttp.Response

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	stop   func() bool
}

// openStream issues a GET and hands back the body as lines. Each stream gets
// its own fasthttp.Client so Close can cut the underlying connection and
// unblock a pending read.
func (c *Client) openStream(ctx context.Context, path string) (LineStream, error) {
	s := &lineStream{resp: &fasthttp.Response{}}
	hc := &fasthttp.Client{
		Name:               c.userAgent,
		StreamResponseBody: true,
		MaxConnsPerHost:    1,
		WriteTimeout:       c.defaultTimeout,
		Dial: func(addr string) (net.Conn, error) {
			conn, err := c.dial(addr)
			if err != nil {
				return nil, err
			}
			s.setConn(conn)
			return conn, nil
		},
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	c.prepare(req, fasthttp.MethodGet, path)
	req.Header.Set("Accept", "application/x-ndjson")

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	if err := hc.Do(req, s.resp); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open stream %s: %w", path, err)
	}

	body := s.resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(s.resp.Body())
	}

	if status := s.resp.StatusCode(); status < 200 || status >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(body, 512))
		_ = s.Close()
		return nil, &HTTPError{Method: fasthttp.MethodGet, Path: path, StatusCode: status, Body: string(raw)}
	}

	s.reader = bufio.NewReaderSize(body, 64*1024)
	return s, nil
}

func (s *lineStream) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return
	}
	s.conn = conn
}

func (s *lineStream) Next() ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			return bytes.TrimSpace(line), nil
		}
		s.mu.Lock()
		closed = s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

func (s *lineStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
