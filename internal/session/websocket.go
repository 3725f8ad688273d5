package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
)

const (
	wsPath        = "/ws/rfc6455"
	wsSubprotocol = "remotecontrol"

	handshakeTimeout  = 10 * time.Second
	responseTimeout   = 10 * time.Second
	reconnectDelay    = 5 * time.Second
	keepaliveInterval = 4 * time.Minute

	headerLength     = 8
	headerMarker     = 0x03
	valueStateRecord = 24
)

// Binary frame identifiers from the websocket API; a header frame announces
// the type of the payload frame that follows it.
const (
	frameText         = 0x00
	frameBinaryFile   = 0x01
	frameValueStates  = 0x02
	frameTextStates   = 0x03
	frameDaytimer     = 0x04
	frameOutOfService = 0x05
	frameKeepalive    = 0x06
	frameWeather      = 0x07

	frameNone = 0xff
)

// Config carries the connection parameters for the websocket client.
type Config struct {
	Host                 string
	Port                 int
	Username             string
	Password             string
	MaxReconnectAttempts int
}

// WSClient implements Client over the controller's websocket API.
type WSClient struct {
	cfg Config

	onValues ValueHandler
	onText   TextHandler
	onEvent  EventHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool

	writeMu sync.Mutex

	waiterMu sync.Mutex
	waiters  map[string][]chan llEnvelope

	done chan struct{}
}

var _ Client = (*WSClient)(nil)

func NewWSClient(cfg Config) *WSClient {
	return &WSClient{
		cfg:     cfg,
		waiters: make(map[string][]chan llEnvelope),
		done:    make(chan struct{}),
	}
}

func (c *WSClient) OnValues(handler ValueHandler) { c.onValues = handler }
func (c *WSClient) OnText(handler TextHandler)    { c.onText = handler }
func (c *WSClient) OnEvent(handler EventHandler)  { c.onEvent = handler }

// Connect dials, authenticates and subscribes to binary status updates, then
// starts the read and keepalive loops. Reconnects after a lost connection
// happen internally; the registered event handler observes them.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.establish(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx)
	go c.keepaliveLoop()

	logger.Info().
		Str("host", c.cfg.Host).
		Int("port", c.cfg.Port).
		Msg("Session established")

	return nil
}

func (c *WSClient) establish(ctx context.Context) (*websocket.Conn, error) {
	errFactory := errors.New()

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:   wsPath,
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{wsSubprotocol},
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := exchange(conn, "jdev/sps/enablebinstatusupdate"); err != nil {
		conn.Close()
		return nil, errFactory.Wrap(ErrCommandFailed, err)
	}

	return conn, nil
}

// authenticate runs the HMAC key exchange: fetch the session key, then prove
// knowledge of the credentials without sending them in the clear.
func (c *WSClient) authenticate(conn *websocket.Conn) error {
	errFactory := errors.New()

	env, err := exchange(conn, "jdev/sys/getkey")
	if err != nil {
		return errFactory.Wrap(ErrAuthFailed, err)
	}
	key, err := hex.DecodeString(rawToString(env.LL.Value))
	if err != nil {
		return errFactory.Wrap(ErrAuthFailed, err)
	}

	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(c.cfg.Username + ":" + c.cfg.Password))
	token := hex.EncodeToString(mac.Sum(nil))

	if _, err := exchange(conn, "authenticate/"+token); err != nil {
		return errFactory.Wrap(ErrAuthFailed, err)
	}

	return nil
}

// exchange sends a command and synchronously reads text frames until the
// reply arrives. Only valid while the read loop is not consuming the
// connection, i.e. during session setup.
func exchange(conn *websocket.Conn, command string) (llEnvelope, error) {
	errFactory := errors.New()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		return llEnvelope{}, errFactory.Wrap(ErrCommandFailed, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		return llEnvelope{}, errFactory.Wrap(ErrCommandFailed, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return llEnvelope{}, errFactory.Wrap(ErrCommandFailed, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env llEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return llEnvelope{}, errFactory.Wrap(ErrResponseInvalid, err)
		}
		if code := env.code(); code != "200" {
			return llEnvelope{}, errFactory.WithData(ErrCommandFailed, struct {
				Command string
				Code    string
			}{command, code})
		}

		return env, nil
	}
}

// SendCommand issues an io command for a control. The reply comes back
// asynchronously through the text handler.
func (c *WSClient) SendCommand(ctx context.Context, uuid, command string) error {
	return c.write(ctx, "jdev/sps/io/"+uuid+"/"+command)
}

// SendSecuredCommand issues a visu-protected command: it fetches a one-time
// salt and key, hashes the visu password against them and sends the command
// through the secured endpoint.
func (c *WSClient) SendSecuredCommand(ctx context.Context, uuid, command, visuPassword string) error {
	errFactory := errors.New()

	env, err := c.request(ctx, "jdev/sys/getvisusalt")
	if err != nil {
		return err
	}

	var visu struct {
		Key  string `json:"key"`
		Salt string `json:"salt"`
	}
	if err := json.Unmarshal(env.LL.Value, &visu); err != nil {
		return errFactory.Wrap(ErrResponseInvalid, err)
	}
	key, err := hex.DecodeString(visu.Key)
	if err != nil {
		return errFactory.Wrap(ErrResponseInvalid, err)
	}

	pwHash := sha1.Sum([]byte(visuPassword + ":" + visu.Salt))
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(strings.ToUpper(hex.EncodeToString(pwHash[:]))))
	token := hex.EncodeToString(mac.Sum(nil))

	return c.write(ctx, "jdev/sps/ios/"+token+"/"+uuid+"/"+command)
}

// request sends a command while the read loop owns the connection and waits
// for the matching reply to be routed back.
func (c *WSClient) request(ctx context.Context, command string) (llEnvelope, error) {
	errFactory := errors.New()

	// The controller echoes the command path without the leading "j".
	// Concurrent requests for the same path are matched in send order:
	// writes are serialized and the controller answers one at a time.
	key := strings.TrimPrefix(command, "j")
	ch := c.addWaiter(key)
	defer c.removeWaiter(key, ch)

	if err := c.write(ctx, command); err != nil {
		return llEnvelope{}, err
	}

	select {
	case env := <-ch:
		if code := env.code(); code != "200" {
			return llEnvelope{}, errFactory.WithData(ErrCommandFailed, struct {
				Command string
				Code    string
			}{command, code})
		}
		return env, nil
	case <-time.After(responseTimeout):
		return llEnvelope{}, errFactory.WithData(errors.ErrTimeout, command)
	case <-ctx.Done():
		return llEnvelope{}, errFactory.Wrap(errors.ErrCanceled, ctx.Err())
	case <-c.done:
		return llEnvelope{}, errFactory.New(ErrNotConnected)
	}
}

func (c *WSClient) write(ctx context.Context, command string) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrCanceled, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errFactory.New(ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err)
	}

	return nil
}

// Stop closes the connection and suppresses any further reconnect attempts.
func (c *WSClient) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.emit(EventClosed)

	return nil
}

func (c *WSClient) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopped
}

func (c *WSClient) readLoop(ctx context.Context) {
	next := byte(frameNone)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isStopped() || ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Session read failed")
			if !c.reconnect(ctx) {
				return
			}
			next = frameNone
			continue
		}

		if msgType == websocket.BinaryMessage && len(data) == headerLength && data[0] == headerMarker {
			next = data[1]
			if next == frameOutOfService {
				logger.Warn().Msg("Controller went out of service")
				conn.Close()
				next = frameNone
			}
			continue
		}

		switch {
		case msgType == websocket.TextMessage:
			c.handleText(data)
		case next == frameValueStates:
			c.handleValueStates(data)
		default:
			// file, text-state, daytimer and weather frames are not used
		}
		next = frameNone
	}
}

// reconnect re-establishes the session within the configured attempt budget.
// Returns false when the budget is exhausted or the client was stopped; an
// exhausted budget is reported to the event handler as EventClosed.
func (c *WSClient) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if c.budgetExhausted(attempt) {
			logger.ErrorWithCode(errors.New().New(ErrReconnectExhausted)).
				Int("max_attempts", c.cfg.MaxReconnectAttempts).
				Msg("Session reconnect budget exhausted")
			c.emit(EventClosed)

			return false
		}

		select {
		case <-time.After(reconnectDelay):
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		}

		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Msg("Reconnecting session")

		conn, err := c.establish(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.mu.Unlock()

		c.emit(EventReconnected)

		return true
	}
}

// budgetExhausted reports whether the attempt counter has passed the
// configured maximum. A maximum of zero means retry without bound, the same
// convention the output writer uses for max_retries.
func (c *WSClient) budgetExhausted(attempt int) bool {
	return c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts
}

func (c *WSClient) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("keepalive"))
			c.writeMu.Unlock()
			if err != nil {
				logger.Debug().Err(err).Msg("Keepalive write failed")
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleText(data []byte) {
	var env llEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug().Err(err).Msg("Unparseable text message")
		return
	}

	if c.deliverToWaiter(env) {
		return
	}

	uuid := uuidFromControl(env.LL.Control)
	if uuid == "" || c.onText == nil {
		logger.Debug().Str("control", env.LL.Control).Msg("Unroutable text message")
		return
	}

	c.onText(uuid, parseTextPayload(env.LL.Value))
}

func (c *WSClient) addWaiter(key string) chan llEnvelope {
	ch := make(chan llEnvelope, 1)
	c.waiterMu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.waiterMu.Unlock()

	return ch
}

// removeWaiter drops a waiter that was not served, after a timeout or
// cancellation. A served waiter is already gone; this is a no-op then.
func (c *WSClient) removeWaiter(key string, ch chan llEnvelope) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()

	list := c.waiters[key]
	for i, w := range list {
		if w == ch {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list
	}
}

// deliverToWaiter routes a reply to the oldest waiter registered for its
// command path.
func (c *WSClient) deliverToWaiter(env llEnvelope) bool {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()

	for key, list := range c.waiters {
		if len(list) == 0 || !strings.Contains(env.LL.Control, key) {
			continue
		}
		ch := list[0]
		if len(list) == 1 {
			delete(c.waiters, key)
		} else {
			c.waiters[key] = list[1:]
		}
		ch <- env

		return true
	}

	return false
}

func (c *WSClient) handleValueStates(payload []byte) {
	if c.onValues == nil {
		return
	}
	values := decodeValueStates(payload)
	if len(values) > 0 {
		c.onValues(values)
	}
}

func (c *WSClient) emit(kind EventKind) {
	if c.onEvent != nil {
		c.onEvent(kind)
	}
}

// llEnvelope is the controller's standard JSON reply wrapper. Code appears
// both as a string and as a number depending on firmware.
type llEnvelope struct {
	LL struct {
		Control string          `json:"control"`
		Value   json.RawMessage `json:"value"`
		Code    json.RawMessage `json:"Code"`
	} `json:"LL"`
}

func (e llEnvelope) code() string {
	return strings.Trim(string(e.LL.Code), `"`)
}

// decodeValueStates unpacks a value-state table: 24-byte records of a
// 16-byte UUID followed by a little-endian float64.
func decodeValueStates(payload []byte) map[string]float64 {
	values := make(map[string]float64, len(payload)/valueStateRecord)
	for i := 0; i+valueStateRecord <= len(payload); i += valueStateRecord {
		uuid := decodeUUID(payload[i : i+16])
		bits := binary.LittleEndian.Uint64(payload[i+16:])
		values[uuid] = math.Float64frombits(bits)
	}

	return values
}

// decodeUUID renders the controller's 16-byte UUID in its canonical
// 8-4-4-16 text form with little-endian leading groups.
func decodeUUID(b []byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%x",
		binary.LittleEndian.Uint32(b),
		binary.LittleEndian.Uint16(b[4:]),
		binary.LittleEndian.Uint16(b[6:]),
		b[8:16])
}

// uuidFromControl extracts the control uuid from an echoed command path such
// as "dev/sps/io/<uuid>/all".
func uuidFromControl(control string) string {
	parts := strings.Split(control, "/")
	for i, part := range parts {
		if part == "io" && i+1 < len(parts) {
			return parts[i+1]
		}
	}

	return ""
}

// parseTextPayload decodes a poll reply value: either a bare scalar or an
// object with a "value" and numbered "output" members.
func parseTextPayload(raw json.RawMessage) TextPayload {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TextPayload{Value: rawToString(raw)}
	}

	payload := TextPayload{Value: rawToString(fields["value"])}

	outputKeys := make([]string, 0, len(fields))
	for key := range fields {
		if strings.HasPrefix(key, "output") {
			outputKeys = append(outputKeys, key)
		}
	}
	sort.Strings(outputKeys)

	for _, key := range outputKeys {
		var out struct {
			Name  json.RawMessage `json:"name"`
			Nr    json.RawMessage `json:"nr"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(fields[key], &out); err != nil {
			continue
		}
		payload.Outputs = append(payload.Outputs, TextOutput{
			Name:  rawToString(out.Name),
			Nr:    rawToString(out.Nr),
			Value: rawToString(out.Value),
		})
	}

	return payload
}

// rawToString renders a raw JSON scalar as text, unquoting strings and
// passing numbers through verbatim.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}

	return string(raw)
}
