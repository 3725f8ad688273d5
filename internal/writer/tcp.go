package writer

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
)

const tcpRetryDelay = time.Second

// TCP keeps a persistent connection and flushes every point. A failed write
// drops the connection; the next write reconnects lazily.
type TCP struct {
	addr       string
	maxRetries int

	mu   sync.Mutex
	conn net.Conn
	buf  *bufio.Writer
}

func NewTCP(host string, port int, maxRetries int) *TCP {
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &TCP{
		addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		maxRetries: maxRetries,
	}
}

func (w *TCP) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.connect()
}

func (w *TCP) connect() error {
	if w.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		conn, err := net.Dial("tcp", w.addr)
		if err == nil {
			w.conn = conn
			w.buf = bufio.NewWriter(conn)
			return nil
		}
		lastErr = err
		logger.Warn().
			Err(err).
			Str("addr", w.addr).
			Int("attempt", attempt).
			Int("max_attempts", w.maxRetries).
			Msg("TCP connect failed")
		if attempt < w.maxRetries {
			time.Sleep(tcpRetryDelay)
		}
	}

	return errors.New().Wrap(ErrConnectFailed, lastErr)
}

func (w *TCP) Write(point []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.connect(); err != nil {
		logger.Warn().Err(err).Str("addr", w.addr).Msg("TCP writer unavailable, dropping point")
		return
	}

	if err := w.send(point); err != nil {
		logger.Warn().Err(err).Str("addr", w.addr).Msg("TCP send failed, dropping connection")
		w.drop()
	}
}

func (w *TCP) send(point []byte) error {
	if _, err := w.buf.Write(point); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}

	return w.buf.Flush()
}

func (w *TCP) drop() {
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = nil
	w.buf = nil
}

func (w *TCP) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	w.buf.Flush()
	err := w.conn.Close()
	w.conn = nil
	w.buf = nil

	return err
}
