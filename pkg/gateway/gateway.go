package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sigenbridge/sigenbridge/pkg/log"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

// Message types used in the gateway's websocket envelope.
const (
	msgTypeAuth     = 0
	msgTypeAuthResp = 1
	msgTypeGet      = 2
	msgTypeSet      = 3
	msgTypeResponse = 4
	msgTypePush     = 5
)

const (
	serviceModbusTCP = "modbusTcpServer"
	keyModbusEnable  = "modbusEnable"
	keyModbusPort    = "modbusPort"
)

const (
	// DefaultPort is the gateway's websocket port.
	DefaultPort = 8080
	// DefaultModbusPort is used when the current port cannot be read before
	// a write.
	DefaultModbusPort = 502
	// DefaultResponseTimeout bounds how long an exchange waits for its
	// matching response.
	DefaultResponseTimeout = 10 * time.Second

	dialTimeout = 15 * time.Second
	pingPeriod  = 20 * time.Second
	writeWait   = 5 * time.Second
)

// request is the outbound envelope.
type request struct {
	MsgType int            `json:"msgType"`
	SN      string         `json:"sn"`
	Token   string         `json:"token,omitempty"`
	Data    map[string]any `json:"data"`
}

// frame is the inbound envelope. Code 0 means success.
type frame struct {
	MsgType int             `json:"msgType"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// Client is a websocket client for the local gateway. It owns one persistent
// connection, authenticates on Connect, and correlates inbound frames to
// outstanding calls by message type.
type Client struct {
	host     string
	port     int
	username string
	password string

	responseTimeout time.Duration

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	serial     string
	token      string
	pending    map[int]*call
	readerDone chan struct{}
	pingStop   chan struct{}
}

// New returns a Client for the gateway at host:port. serial may be empty;
// it is adopted from the gateway during authentication.
func New(host string, port int, username, password, serial string) *Client {
	return &Client{
		host:            host,
		port:            port,
		username:        username,
		password:        password,
		serial:          serial,
		responseTimeout: DefaultResponseTimeout,
	}
}

// Serial returns the gateway serial number, which may have been adopted from
// the gateway during authentication.
func (c *Client) Serial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// Connected reports whether the websocket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the websocket, starts the background reader, and
// authenticates. A no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.host, strconv.Itoa(c.port)),
		Path:   "/ws",
	}
	log.Ctx(ctx).DebugContext(ctx, "connecting to gateway", slog.String("url", u.String()))

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// lost a race with a concurrent Connect
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.pending = make(map[int]*call)
	done := make(chan struct{})
	stop := make(chan struct{})
	c.readerDone = done
	c.pingStop = stop
	c.mu.Unlock()

	go c.readLoop(ctx, conn, done)
	go c.pingLoop(conn, stop)

	if err := c.authenticate(ctx); err != nil {
		c.Disconnect()
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "connected and authenticated to gateway",
		slog.String("serial", c.Serial()))
	return nil
}

// Disconnect stops the reader and closes the connection. Idempotent; safe to
// call when never connected. Any pending calls fail with ErrConnectionLost.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	stop := c.pingStop
	c.conn = nil
	c.readerDone = nil
	c.pingStop = nil
	c.token = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(stop)
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// Status queries the gateway's current Modbus TCP server settings.
func (c *Client) Status(ctx context.Context) (types.ModbusStatus, error) {
	f, err := c.roundTrip(ctx, msgTypeGet, map[string]any{
		"service": serviceModbusTCP,
	})
	if err != nil {
		return types.ModbusStatus{}, err
	}
	var cfg struct {
		Enable int `json:"modbusEnable"`
		Port   int `json:"modbusPort"`
	}
	if err := decodeData(f.Data, &cfg); err != nil {
		return types.ModbusStatus{}, fmt.Errorf("modbus status: %w", err)
	}
	return types.ModbusStatus{Enabled: cfg.Enable != 0, Port: cfg.Port}, nil
}

// SetEnabled turns the gateway's Modbus TCP server on or off. The current
// port is read first so it is not clobbered; if the read fails the default
// port is sent instead.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	port := DefaultModbusPort
	if st, err := c.Status(ctx); err == nil {
		port = st.Port
	} else {
		log.Ctx(ctx).WarnContext(ctx, "could not read current modbus settings, using default port",
			slog.Int("port", port), slog.Any("error", err))
	}

	enable := 0
	if enabled {
		enable = 1
	}
	if err := c.setService(ctx, enable, port); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "modbus tcp server updated",
		slog.Bool("enabled", enabled), slog.Int("port", port))
	return nil
}

// SetPort changes the Modbus TCP listening port, preserving the current
// enable state (defaulting to disabled if it cannot be read).
func (c *Client) SetPort(ctx context.Context, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid modbus port %d", port)
	}
	enable := 0
	if st, err := c.Status(ctx); err == nil && st.Enabled {
		enable = 1
	} else if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "could not read current modbus settings, assuming disabled",
			slog.Any("error", err))
	}

	if err := c.setService(ctx, enable, port); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "modbus tcp port changed", slog.Int("port", port))
	return nil
}

func (c *Client) setService(ctx context.Context, enable, port int) error {
	f, err := c.roundTrip(ctx, msgTypeSet, map[string]any{
		"service":       serviceModbusTCP,
		keyModbusEnable: enable,
		keyModbusPort:   port,
	})
	if err != nil {
		return err
	}
	if f.Code != 0 {
		return &CommandError{Code: f.Code, Msg: f.Msg}
	}
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	sn := c.serial
	c.mu.Unlock()

	f, err := c.sendAndWait(ctx, msgTypeAuthResp, request{
		MsgType: msgTypeAuth,
		SN:      sn,
		Data: map[string]any{
			"username": c.username,
			"password": c.password,
		},
	})
	if err != nil {
		return fmt.Errorf("authentication exchange failed: %w", err)
	}

	var res struct {
		Token string `json:"token"`
		SN    string `json:"sn"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &res); err != nil {
			return fmt.Errorf("%w: bad auth payload: %v", ErrProtocol, err)
		}
	}
	if res.Token == "" {
		return fmt.Errorf("%w: no token in response (code=%d, msg=%q)", ErrAuthentication, f.Code, f.Msg)
	}

	c.mu.Lock()
	c.token = res.Token
	if c.serial == "" && res.SN != "" {
		c.serial = res.SN
	}
	c.mu.Unlock()
	return nil
}

// roundTrip sends a request carrying the current serial and token and waits
// for the generic response frame.
func (c *Client) roundTrip(ctx context.Context, msgType int, data map[string]any) (frame, error) {
	c.mu.Lock()
	sn, token := c.serial, c.token
	c.mu.Unlock()
	return c.sendAndWait(ctx, msgTypeResponse, request{
		MsgType: msgType,
		SN:      sn,
		Token:   token,
		Data:    data,
	})
}

// sendAndWait registers a pending call keyed by the expected response type,
// writes the request, and waits for resolution, timeout, or cancellation.
func (c *Client) sendAndWait(ctx context.Context, expect int, req request) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	if _, exists := c.pending[expect]; exists {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%w: msgType %d", ErrCallPending, expect)
	}
	cl := newCall()
	c.pending[expect] = cl
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(expect, cl)
		return frame{}, fmt.Errorf("%w: write failed: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()

	select {
	case <-cl.done:
		return cl.result()
	case <-timer.C:
		c.abandon(expect, cl)
		return frame{}, fmt.Errorf("%w: no msgType=%d response within %s", ErrTimeout, expect, c.responseTimeout)
	case <-ctx.Done():
		c.abandon(expect, cl)
		return frame{}, ctx.Err()
	}
}

// abandon removes the call from the pending table if it is still there and
// settles it so a late frame cannot resolve it.
func (c *Client) abandon(kind int, cl *call) {
	c.mu.Lock()
	if cur, ok := c.pending[kind]; ok && cur == cl {
		delete(c.pending, kind)
	}
	c.mu.Unlock()
	cl.fail(ErrConnectionLost)
}

// readLoop drains inbound frames for the life of the connection and resolves
// matching pending calls. On exit every still-pending call fails and, unless
// Disconnect already took over, the connection state is cleared so Connected
// reports false and a later Connect starts fresh.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.failPending(ErrConnectionLost)
		c.mu.Lock()
		if c.conn == conn {
			// the transport died on its own, not via Disconnect
			c.conn = nil
			c.token = ""
			c.readerDone = nil
			if c.pingStop != nil {
				close(c.pingStop)
				c.pingStop = nil
			}
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "gateway reader stopped", slog.Any("error", err))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// a single bad frame is not fatal to the connection
			log.Ctx(ctx).WarnContext(ctx, "discarding undecodable gateway frame",
				slog.Any("error", err), slog.String("frame", string(data)))
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Client) dispatch(ctx context.Context, f frame) {
	c.mu.Lock()
	cl, ok := c.pending[f.MsgType]
	if ok {
		delete(c.pending, f.MsgType)
	}
	c.mu.Unlock()

	if !ok {
		if f.MsgType == msgTypePush {
			log.Ctx(ctx).DebugContext(ctx, "ignoring gateway push frame",
				slog.Int("code", f.Code), slog.String("msg", f.Msg))
		} else {
			log.Ctx(ctx).DebugContext(ctx, "dropping unmatched gateway frame",
				slog.Int("msgType", f.MsgType))
		}
		return
	}
	cl.resolve(f)
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int]*call)
	c.mu.Unlock()
	for _, cl := range pending {
		cl.fail(err)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// the reader will notice the broken transport
				return
			}
		}
	}
}

// decodeData unmarshals a response payload, treating an absent or empty
// payload as a protocol error.
func decodeData(data json.RawMessage, dest any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return fmt.Errorf("%w: empty data", ErrProtocol)
	}
	if err := json.Unmarshal(trimmed, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
