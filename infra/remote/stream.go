package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/kilianp07/fleetalloc/api/allocations"
	"github.com/kilianp07/fleetalloc/auth"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/model"
)

const pongWait = 90 * time.Second

func (c *Client) streamURL() string {
	u := c.base.String()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/allocations/events"
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return nil, err
	}
	if err := auth.SetAuthHeader(ctx, c.ts, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	hdr := http.Header{}
	if h := req.Header.Get("Authorization"); h != "" {
		hdr.Set("Authorization", h)
	}
	d := websocket.Dialer{HandshakeTimeout: c.cfg.timeout(), Proxy: http.ProxyFromEnvironment}
	conn, resp, err := d.DialContext(ctx, c.streamURL(), hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial event stream: %w: %v", model.ErrTransport, err)
	}
	return conn, nil
}

// Subscribe opens the event stream. The server registers the subscription
// before the handshake completes. A dropped connection is re-established
// with exponential backoff and reported on Resync, since events may have
// been missed in between.
func (c *Client) Subscribe(ctx context.Context) (fanout.Subscription, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		c:      c,
		events: make(chan events.ChangeEvent, c.cfg.Buffer),
		resync: make(chan struct{}, 1),
		cancel: cancel,
	}
	s.setConn(conn)
	go s.run(sctx, conn)
	return s, nil
}

type stream struct {
	c      *Client
	events chan events.ChangeEvent
	resync chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) Events() <-chan events.ChangeEvent { return s.events }
func (s *stream) Resync() <-chan struct{}           { return s.resync }

func (s *stream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *stream) signal() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *stream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.events)
	for {
		err := s.read(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.c.log.Warnf("event stream interrupted: %v", err)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.c.cfg.backoff()
		b.MaxElapsedTime = 0
		var next *websocket.Conn
		op := func() error {
			cn, err := s.c.dial(ctx)
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			next = cn
			return nil
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			s.c.log.Debugf("event stream reconnect failed, retrying in %s: %v", wait, err)
		}); err != nil {
			return
		}
		conn = next
		s.setConn(conn)
		s.c.log.Infof("event stream reconnected")
		s.signal()
	}
}

func (s *stream) read(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		var f allocations.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		switch f.Type {
		case allocations.FrameResync:
			s.signal()
		case allocations.FrameEvent:
			if f.Event == nil || f.Event.Validate() != nil {
				s.c.log.Warnf("dropping malformed stream frame")
				continue
			}
			select {
			case s.events <- *f.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
