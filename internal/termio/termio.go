// Package termio serializes process output through one writer goroutine per
// stream so the progress view and log lines never interleave mid-write.
package termio

import (
	"io"
	"os"
	"sync"
)

// item is a chunk to write, or a flush marker when done is set.
type item struct {
	buf  []byte
	done chan struct{}
}

type writer struct {
	file io.Writer
	ch   chan item
}

// Write queues a copy of p. It never blocks on the terminal itself.
func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- item{buf: buf}
	return len(p), nil
}

// File returns the underlying file, or nil when the writer wraps something
// else. It lets callers detect a terminal.
func (w *writer) File() *os.File {
	f, _ := w.file.(*os.File)
	return f
}

// flush returns once everything queued before the call has been written.
func (w *writer) flush() {
	done := make(chan struct{})
	w.ch <- item{done: done}
	<-done
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

// Init starts the writer goroutines. It is safe to call more than once.
func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(out io.Writer) *writer {
	w := &writer{
		file: out,
		ch:   make(chan item, 1024),
	}
	go func() {
		for it := range w.ch {
			if it.done != nil {
				close(it.done)
				continue
			}
			_, _ = w.file.Write(it.buf)
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush waits for queued output on both streams. Call it before os.Exit.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}
