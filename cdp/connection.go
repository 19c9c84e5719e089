package cdp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/pkg/errors"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteBufferSize  = 1 << 20
	wsCloseTimeout     = 10 * time.Second
)

// connection is a WebSocket carrying CDP messages. Reads happen on a single
// goroutine; writes are serialized.
type connection struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	encoder jwriter.Writer

	closeOnce sync.Once
}

func dial(ctx context.Context, wsURL string) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsWriteBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %q", wsURL)
	}

	return &connection{ws: ws}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, errors.Wrap(err, "decoding CDP message")
	}

	return &msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.encoder = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.encoder)
	if err := c.encoder.Error; err != nil {
		return errors.Wrap(err, "encoding CDP message")
	}

	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return errors.Wrap(err, "getting websocket writer")
	}
	if _, err := c.encoder.DumpTo(w); err != nil {
		return errors.Wrap(err, "writing CDP message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flushing CDP message")
	}

	return nil
}

// close sends a close frame and closes the socket. Later calls are no-ops.
func (c *connection) close(code int) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(wsCloseTimeout),
		)
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
	})
	return err //nolint:wrapcheck
}
