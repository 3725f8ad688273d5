// Package writer emits finished metric lines over exactly one of the
// supported transports. Writes are fire-and-forget from the caller's
// perspective: transport failures are logged and recovered internally,
// never propagated back into the value-routing path.
package writer

import (
	"os"

	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
)

// Writer is the common contract of all metric transports. Init and Close
// are idempotent. Write never blocks on transport recovery and never
// returns an error.
type Writer interface {
	Init() error
	Write(point []byte)
	Close() error
}

// New selects the single active transport from configuration.
func New(cfg config.Output) (Writer, error) {
	switch cfg.Protocol {
	case "udp":
		return NewUDP(cfg.Host, cfg.Port), nil
	case "tcp":
		return NewTCP(cfg.Host, cfg.Port, cfg.MaxRetries), nil
	case "execd":
		return NewExecD(os.Stdout), nil
	case "mqtt":
		return NewMQTT(cfg.MQTT, cfg.MaxRetries), nil
	default:
		return nil, errors.New().WithData(ErrUnknownProtocol, cfg.Protocol)
	}
}
