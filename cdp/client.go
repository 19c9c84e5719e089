package cdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/pkg/errors"

	"github.com/grafana/ghost/cdp/domains"
	"github.com/grafana/ghost/log"
)

// ErrClientClosed is returned by commands executed after the connection to
// the browser is gone.
var ErrClientClosed = errors.New("CDP connection closed")

var _ cdp.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	logger *log.Logger

	Browser domains.Browser
	Page    domains.Page
	Target  domains.Target

	conn  *connection
	wsURL string
	msgID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	queuesMu sync.RWMutex
	queues   map[target.SessionID]*eventQueue

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(logger *log.Logger) *Client {
	c := &Client{
		logger:  logger,
		pending: make(map[int64]chan *cdproto.Message),
		queues:  make(map[target.SessionID]*eventQueue),
		done:    make(chan struct{}),
	}

	c.Page = domains.NewPage(c)
	c.Target = domains.NewTarget(c)
	c.Browser = domains.NewBrowser(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(ctx context.Context, wsURL string) (err error) {
	if c.wsURL != "" {
		return errors.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = dial(ctx, wsURL); err != nil {
		return err
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()

	return nil
}

// Close the connection to the browser. Pending commands fail with
// ErrClientClosed.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.close(websocket.CloseNormalClosure)
	c.shutdown(ErrClientClosed)
	return err
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection is gone, if it is.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The session ID set in ctx routes the command to a target.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	sid := getSessionID(ctx)
	c.logger.Tracef("cdp:Execute", "sid:%v method:%q", sid, method)

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return errors.Wrapf(err, "marshaling %s params", method)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	recvCh := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = recvCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	msg := &cdproto.Message{
		ID:        id,
		SessionID: target.SessionID(sid),
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	if err := c.conn.writeMessage(msg); err != nil {
		return errors.Wrapf(err, "sending %s", method)
	}

	select {
	case reply := <-recvCh:
		switch {
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return errors.Wrapf(easyjson.Unmarshal(reply.Result, res), "unmarshaling %s result", method)
		}
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
}

// subscribe returns the event queue of a target session, creating it on
// first use.
func (c *Client) subscribe(sessionID target.SessionID) *eventQueue {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()

	q, ok := c.queues[sessionID]
	if !ok {
		q = newEventQueue()
		c.queues[sessionID] = q
	}
	return q
}

// unsubscribe drops and closes the event queue of a target session.
func (c *Client) unsubscribe(sessionID target.SessionID) {
	c.queuesMu.Lock()
	q, ok := c.queues[sessionID]
	delete(c.queues, sessionID)
	c.queuesMu.Unlock()

	if ok {
		q.close()
	}
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			var cerr *websocket.CloseError
			if !errors.As(err, &cerr) || cerr.Code != websocket.CloseNormalClosure {
				c.logger.Debugf("cdp:recvLoop", "wsURL:%q ioErr:%v", c.wsURL, err)
			}
			c.shutdown(errors.Wrap(ErrClientClosed, err.Error()))
			return
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.Method != "":
			c.dispatch(msg)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) dispatch(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if !errors.Is(err, cdp.ErrUnknownCommandOrEvent(msg.Method)) {
			c.logger.Errorf("cdp", "unmarshaling %s: %v", msg.Method, err)
		}
		return
	}

	sid := msg.SessionID
	if d, ok := ev.(*target.EventDetachedFromTarget); ok {
		sid = d.SessionID
	}

	c.queuesMu.RLock()
	q, ok := c.queues[sid]
	c.queuesMu.RUnlock()
	if !ok {
		return
	}
	q.push(&Event{Name: msg.Method, Data: ev, sessionID: sid})
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClientClosed
}
