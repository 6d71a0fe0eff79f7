// Package runlog mirrors the console log into a run-scoped train.log file.
package runlog

import (
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileName is the log written inside the run directory.
const FileName = "train.log"

// Log tees every line to the console and to train.log. Close must be called on
// every exit path so buffered lines reach disk.
type Log struct {
	*log.Logger

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

type lockedWriter struct {
	l       *Log
	console io.Writer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.l.buf != nil {
		if _, err := w.l.buf.Write(p); err != nil {
			return 0, err
		}
	}
	return w.console.Write(p)
}

// Open creates dir if needed and starts a fresh dir/train.log, replacing the
// log of any earlier run in the same directory. Every line carries the given
// prefix, typically the run id.
func Open(dir string, console io.Writer, prefix string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	l := &Log{file: f, buf: bufio.NewWriter(f)}
	l.Logger = log.New(lockedWriter{l: l, console: console}, prefix, log.LstdFlags)
	return l, nil
}

// Flush pushes buffered lines to the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf == nil {
		return nil
	}
	return errors.Wrap(l.buf.Flush(), "flush run log")
}

// Close flushes and closes the file. Later writes only reach the console.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.buf.Flush()
	closeErr := l.file.Close()
	l.buf, l.file = nil, nil
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush run log")
	}
	return errors.Wrap(closeErr, "close run log")
}
