package writer

import (
	"net"
	"strconv"
	"sync"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
)

// UDP sends each point as one datagram. Delivery is inherently unreliable,
// so a failed send gets one best-effort reopen and no retry loop.
type UDP struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func NewUDP(host string, port int) *UDP {
	return &UDP{addr: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (w *UDP) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.open()
}

func (w *UDP) open() error {
	if w.conn != nil {
		return nil
	}

	conn, err := net.Dial("udp", w.addr)
	if err != nil {
		return errors.New().Wrap(ErrDialFailed, err)
	}
	w.conn = conn

	return nil
}

func (w *UDP) Write(point []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		logger.Warn().Err(err).Str("addr", w.addr).Msg("UDP writer unavailable, dropping point")
		return
	}

	if _, err := w.conn.Write(point); err != nil {
		logger.Warn().Err(err).Str("addr", w.addr).Msg("UDP send failed, reopening")
		w.conn.Close()
		w.conn = nil
		if openErr := w.open(); openErr != nil {
			return
		}
		if _, err := w.conn.Write(point); err != nil {
			logger.Warn().Err(err).Str("addr", w.addr).Msg("UDP resend failed, dropping point")
		}
	}
}

func (w *UDP) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil

	return err
}
