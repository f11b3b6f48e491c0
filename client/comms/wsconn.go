// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms provides a reconnecting websocket connection speaking the
// JSON-RPC envelope that mints use for quote update subscriptions. One
// WsConn is opened per mint endpoint, owned by the quote tracker.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// readBuffSize is the buffer size for a websocket connection's read
	// channel.
	readBuffSize = 128

	// writeWait is the maximum time to write to a connection.
	writeWait = time.Second * 3

	// DefaultResponseTimeout bounds a Request's wait for the matching
	// response.
	DefaultResponseTimeout = 30 * time.Second
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error satisfies the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is the JSON-RPC envelope exchanged with the mint. Requests carry
// Method and Params; responses echo the request ID with Result or Error;
// server notifications carry Method and Params with no ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isResponse reports whether the message answers an outstanding request.
func (msg *Message) isResponse() bool {
	return msg.ID != 0 && msg.Method == ""
}

// WsCfg is the configuration struct for initializing a WsConn.
type WsCfg struct {
	// URL is the full websocket endpoint, e.g. wss://mint.example.com/v1/ws.
	URL string
	// PingWait is the maximum time to wait for a ping from the server
	// before the connection is considered dead.
	PingWait time.Duration
	// ReconnectSync runs the needed resubscription after a disconnect.
	ReconnectSync func()
	// Ctx is the owner's context. The connection shuts down on cancellation.
	Ctx context.Context
}

// WsConn represents a client websocket connection.
type WsConn struct {
	reconnects   uint64
	rID          uint64
	cfg          *WsCfg
	ws           *websocket.Conn
	wsMtx        sync.Mutex
	readCh       chan *Message
	reconnectCh  chan struct{}
	respMtx      sync.Mutex
	resp         map[uint64]chan *Message
	connected    bool
	connectedMtx sync.RWMutex
	once         sync.Once
	wg           sync.WaitGroup
}

// NewWsConn creates a client websocket connection.
func NewWsConn(cfg *WsCfg) (*WsConn, error) {
	if cfg.PingWait < 0 {
		return nil, fmt.Errorf("ping wait cannot be negative")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("not a websocket url: %q", cfg.URL)
	}

	conn := &WsConn{
		cfg:         cfg,
		readCh:      make(chan *Message, readBuffSize),
		reconnectCh: make(chan struct{}),
		resp:        make(map[uint64]chan *Message),
	}

	conn.wg.Add(1)
	go conn.keepAlive()
	conn.reconnectCh <- struct{}{}

	return conn, nil
}

// IsConnected returns the connection's connected state.
func (conn *WsConn) IsConnected() bool {
	conn.connectedMtx.RLock()
	defer conn.connectedMtx.RUnlock()
	return conn.connected
}

// setConnected updates the connection's connected state.
func (conn *WsConn) setConnected(connected bool) {
	conn.connectedMtx.Lock()
	conn.connected = connected
	conn.connectedMtx.Unlock()
}

// NextID returns the next request id.
func (conn *WsConn) NextID() uint64 {
	return atomic.AddUint64(&conn.rID, 1)
}

// close terminates all websocket processes and closes the connection.
func (conn *WsConn) close() {
	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()

	if conn.ws == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.ws.WriteControl(websocket.CloseMessage, msg,
		time.Now().Add(writeWait))
	conn.ws.Close()
}

// connect attempts to establish a websocket connection.
func (conn *WsConn) connect() error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	ws, _, err := dialer.Dial(conn.cfg.URL, nil)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(string) error {
		conn.wsMtx.Lock()
		defer conn.wsMtx.Unlock()

		now := time.Now()
		err := ws.SetReadDeadline(now.Add(conn.cfg.PingWait))
		if err != nil {
			log.Errorf("read deadline error: %v", err)
			return err
		}

		// Respond with a pong.
		err = ws.WriteControl(websocket.PongMessage, []byte{}, now.Add(writeWait))
		if err != nil {
			log.Errorf("pong error: %v", err)
			return err
		}

		return nil
	})

	conn.wsMtx.Lock()
	conn.ws = ws
	conn.wsMtx.Unlock()

	return nil
}

// read fetches and routes incoming messages. Responses are matched to their
// outstanding request; everything else goes to the read channel. This should
// be run as a goroutine.
func (conn *WsConn) read() {
	defer conn.wg.Done()

	for {
		msg := new(Message)

		conn.wsMtx.Lock()
		ws := conn.ws
		conn.wsMtx.Unlock()

		err := ws.ReadJSON(msg)
		if err != nil {
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				// JSON decode errors are not fatal, log and proceed.
				log.Errorf("json decode error: %v", err)
				continue
			}

			if websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "websocket: close sent") {
				return
			}

			if opErr, ok := err.(*net.OpError); ok {
				if opErr.Op == "read" {
					if strings.Contains(opErr.Err.Error(),
						"use of closed network connection") {
						return
					}
				}
			}

			// Log all other errors and trigger a reconnection.
			log.Errorf("read error: %v", err)
			conn.reconnectCh <- struct{}{}
			return
		}

		if msg.isResponse() {
			conn.respMtx.Lock()
			ch := conn.resp[msg.ID]
			delete(conn.resp, msg.ID)
			conn.respMtx.Unlock()
			if ch == nil {
				log.Errorf("no handler for response id %d", msg.ID)
				continue
			}
			ch <- msg
			continue
		}

		conn.readCh <- msg
	}
}

// keepAlive maintains an active websocket connection by reconnecting when
// the established connection is broken. This should be run as a goroutine.
func (conn *WsConn) keepAlive() {
	for {
		select {
		case <-conn.reconnectCh:
			conn.setConnected(false)

			reconnects := atomic.AddUint64(&conn.reconnects, 1)
			if reconnects > 1 {
				conn.close()
			}

			err := conn.connect()
			if err != nil {
				log.Errorf("connection error: %v", err)

				go func() {
					// Attempt to reconnect.
					time.Sleep(conn.cfg.PingWait)
					select {
					case conn.reconnectCh <- struct{}{}:
					case <-conn.cfg.Ctx.Done():
					}
				}()

				continue
			}

			conn.wg.Add(1)
			go conn.read()

			conn.setConnected(true)

			// Resubscribe after a reconnection.
			if conn.cfg.ReconnectSync != nil {
				conn.cfg.ReconnectSync()
			}

		case <-conn.cfg.Ctx.Done():
			// Terminate the keepAlive and read processes when the owner
			// signals a shutdown.
			conn.setConnected(false)
			conn.close()
			conn.failPending()
			conn.wg.Done()
			return
		}
	}
}

// failPending responds to all outstanding requests with an error.
func (conn *WsConn) failPending() {
	conn.respMtx.Lock()
	defer conn.respMtx.Unlock()
	for id, ch := range conn.resp {
		ch <- &Message{ID: id, Error: &RPCError{Code: -1, Message: "connection shut down"}}
		delete(conn.resp, id)
	}
}

// WaitForShutdown blocks until the websocket's processes are stopped.
func (conn *WsConn) WaitForShutdown() {
	conn.wg.Wait()
}

// send writes the message to the connection.
func (conn *WsConn) send(msg *Message) error {
	if !conn.IsConnected() {
		return fmt.Errorf("cannot send on a broken connection")
	}

	conn.wsMtx.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.ws.WriteJSON(msg)
	conn.wsMtx.Unlock()
	if err != nil {
		log.Errorf("write error: %v", err)
	}
	return err
}

// Request sends a JSON-RPC request and waits for the matching response, up
// to the timeout. The params are marshaled for the caller.
func (conn *WsConn) Request(method string, params any, timeout time.Duration) (*Message, error) {
	paramsB, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params encode error: %w", err)
	}

	id := conn.NextID()
	respCh := make(chan *Message, 1)
	conn.respMtx.Lock()
	conn.resp[id] = respCh
	conn.respMtx.Unlock()

	msg := &Message{JSONRPC: "2.0", ID: id, Method: method, Params: paramsB}
	if err := conn.send(msg); err != nil {
		conn.respMtx.Lock()
		delete(conn.resp, id)
		conn.respMtx.Unlock()
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(timeout):
		conn.respMtx.Lock()
		delete(conn.resp, id)
		conn.respMtx.Unlock()
		return nil, fmt.Errorf("response timeout for %s request %d", method, id)
	case <-conn.cfg.Ctx.Done():
		return nil, conn.cfg.Ctx.Err()
	}
}

// Notifications returns the connection's notification read source. The
// source is only returned once; subsequent calls return nil.
func (conn *WsConn) Notifications() <-chan *Message {
	var ch <-chan *Message

	conn.once.Do(func() {
		ch = conn.readCh
	})

	return ch
}
