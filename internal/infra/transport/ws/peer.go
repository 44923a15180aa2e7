// Package ws connects two Conveyor nodes over a websocket so routed frames
// can cross process boundaries.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/observability"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	maxReconnectInterval  = 20 * time.Second
	peerReadLimit         = 4 * 1024 * 1024
	reconnectFailureSleep = maxReconnectInterval
)

// Options tunes the peer connection.
type Options struct {
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	Logger       observability.Logger
}

func (o Options) normalise() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
	return o
}

// Peer maintains a websocket connection to a remote node, reconnecting with
// exponential backoff. Outbound frames are written to the socket; inbound
// frames are handed to the local handler.
type Peer struct {
	url     string
	opts    Options
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
}

// Dial starts the connection loop and waits for the first connection.
func Dial(ctx context.Context, url string, handler transport.Handler, opts Options) (*Peer, error) {
	if url == "" {
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("peer url required"))
	}
	peerCtx, cancel := context.WithCancel(ctx)
	p := &Peer{
		url:     url,
		opts:    opts.normalise(),
		handler: handler,
		ctx:     peerCtx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	go func() {
		if err := p.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			p.opts.Logger.Error("peer connection loop stopped", observability.Err(err))
		}
	}()

	select {
	case <-p.ready:
		return p, nil
	case <-time.After(p.opts.DialTimeout):
		cancel()
		return nil, errs.New("transport/ws", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for peer connection"))
	case <-peerCtx.Done():
		return nil, errs.New("transport/ws", errs.CodeUnavailable,
			errs.WithMessage("peer context done"), errs.WithCause(peerCtx.Err()))
	}
}

func (p *Peer) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-p.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(p.ctx, p.url, nil)
		if err != nil {
			p.opts.Logger.Error("peer dial failed",
				observability.String("url", p.url), observability.Err(err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = reconnectFailureSleep
			}
			select {
			case <-p.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(peerReadLimit)

		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()

		p.readyOnce.Do(func() { close(p.ready) })
		backoffCfg.Reset()

		readErr := p.readLoop(conn)

		p.connMu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			p.opts.Logger.Error("peer read loop ended", observability.Err(readErr))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = reconnectFailureSleep
		}
		select {
		case <-p.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (p *Peer) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(p.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.opts.Logger.Error("peer frame decode failed", observability.Err(err))
			continue
		}
		if p.handler == nil {
			continue
		}
		if err := p.handler(p.ctx, frame); err != nil {
			p.opts.Logger.Error("peer frame handler failed",
				observability.String("kind", string(frame.Kind)), observability.Err(err))
		}
	}
}

func (p *Peer) write(ctx context.Context, frame transport.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return errs.New("transport/ws", errs.CodeUnavailable, errs.WithMessage("peer not connected"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport/ws", errs.CodeUnavailable,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

// Send writes an item frame to the peer.
func (p *Peer) Send(ctx context.Context, frame transport.Frame) error {
	return p.write(ctx, frame)
}

// Broadcast writes an event frame to the peer.
func (p *Peer) Broadcast(ctx context.Context, frame transport.Frame) error {
	return p.write(ctx, frame)
}

// Close tears the connection down.
func (p *Peer) Close() error {
	p.cancel()
	p.connMu.Lock()
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "shutdown")
		p.conn = nil
	}
	p.connMu.Unlock()
	return nil
}

var _ transport.Transport = (*Peer)(nil)
