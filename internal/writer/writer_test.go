package writer

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
)

func TestFactorySelectsProtocol(t *testing.T) {
	tests := []struct {
		protocol string
		want     any
	}{
		{"udp", &UDP{}},
		{"tcp", &TCP{}},
		{"execd", &ExecD{}},
		{"mqtt", &MQTT{}},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			w, err := New(config.Output{Protocol: tt.protocol, Host: "localhost", Port: 9999})
			require.NoError(t, err)
			assert.IsType(t, tt.want, w)
		})
	}
}

func TestFactoryRejectsUnknownProtocol(t *testing.T) {
	_, err := New(config.Output{Protocol: "carrier-pigeon"})
	require.Error(t, err)
	assert.Equal(t, ErrUnknownProtocol, errors.CodeOf(err))
}

func TestUDPWrite(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	w := NewUDP("127.0.0.1", addr.Port)
	require.NoError(t, w.Init())
	require.NoError(t, w.Init(), "Init must be idempotent")
	defer w.Close()

	w.Write([]byte("meter,uuid=a Default=1i 1700000000000000000"))

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "meter,uuid=a Default=1i 1700000000000000000", string(buf[:n]))
}

func TestUDPCloseIdempotent(t *testing.T) {
	w := NewUDP("127.0.0.1", 9)
	require.NoError(t, w.Init())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestTCPWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	addr := ln.Addr().(*net.TCPAddr)
	w := NewTCP("127.0.0.1", addr.Port, 3)
	require.NoError(t, w.Init())
	defer w.Close()

	w.Write([]byte("meter,uuid=a Default=1i 1700000000000000000"))

	select {
	case line := <-received:
		assert.Equal(t, "meter,uuid=a Default=1i 1700000000000000000\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("point never arrived")
	}
}

func TestTCPInitFailsWithoutListener(t *testing.T) {
	w := NewTCP("127.0.0.1", 1, 1)
	err := w.Init()
	require.Error(t, err)
	assert.Equal(t, ErrConnectFailed, errors.CodeOf(err))
	require.NoError(t, w.Close())
}

func TestTCPWriteDropsWhenUnavailable(t *testing.T) {
	w := NewTCP("127.0.0.1", 1, 1)
	// must not panic or block
	w.Write([]byte("dropped"))
	require.NoError(t, w.Close())
}

func TestExecDWrite(t *testing.T) {
	var buf bytes.Buffer
	w := NewExecD(&buf)
	require.NoError(t, w.Init())

	w.Write([]byte("meter,uuid=a Default=1i 1"))
	w.Write([]byte("meter,uuid=b Default=2i 2"))

	assert.Equal(t, "meter,uuid=a Default=1i 1\nmeter,uuid=b Default=2i 2\n", buf.String())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
