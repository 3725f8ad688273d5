package writer

import (
	"io"
	"sync"

	"codeberg.org/mutker/loxbridge/internal/logger"
)

// ExecD writes newline-terminated points to the given stream, one write per
// point. Meant to run under a process supervisor that consumes stdout, which
// is why the process logs to stderr.
type ExecD struct {
	mu  sync.Mutex
	out io.Writer
}

func NewExecD(out io.Writer) *ExecD {
	return &ExecD{out: out}
}

func (w *ExecD) Init() error { return nil }

func (w *ExecD) Write(point []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(append(point, '\n')); err != nil {
		logger.Warn().Err(err).Msg("Output stream write failed, dropping point")
	}
}

func (w *ExecD) Close() error { return nil }
