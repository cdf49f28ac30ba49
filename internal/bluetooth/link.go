package bluetooth

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Defaults for inbound framing.
const (
	DefaultDelimiter = "\n"
	DefaultCharset   = "utf-8"
)

// streamLink frames a byte stream into delimited text payloads.
type streamLink struct {
	rwc       io.ReadWriteCloser
	enc       encoding.Encoding
	delimiter []byte

	mu        sync.Mutex
	listeners map[int]func(any)
	nextID    int

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamLink wraps rwc and starts reading frames from it. The returned Link
// closes Done when the reader hits EOF or an error, or when Close is called.
func NewStreamLink(rwc io.ReadWriteCloser, opts LinkOptions) (Link, error) {
	charset := opts.Charset
	if charset == "" {
		charset = DefaultCharset
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	delim := opts.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}

	l := &streamLink{
		rwc:       rwc,
		enc:       enc,
		delimiter: []byte(delim),
		listeners: make(map[int]func(any)),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *streamLink) readLoop() {
	defer l.markDone()

	scanner := bufio.NewScanner(l.enc.NewDecoder().Reader(l.rwc))
	scanner.Split(splitOn(l.delimiter))
	for scanner.Scan() {
		frame := scanner.Text()
		slog.Debug("streamLink.readLoop: frame received", "len", len(frame))
		l.dispatch(frame)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("streamLink.readLoop: read ended", "error", err)
	}
}

func (l *streamLink) dispatch(frame string) {
	l.mu.Lock()
	fns := make([]func(any), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(frame)
	}
}

func (l *streamLink) Write(p []byte) (int, error) {
	encoded, err := l.enc.NewEncoder().Bytes(p)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	if _, err := l.rwc.Write(encoded); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *streamLink) OnData(fn func(any)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	return &linkSubscription{remove: func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}}
}

func (l *streamLink) Done() <-chan struct{} {
	return l.done
}

func (l *streamLink) Close() error {
	err := l.rwc.Close()
	l.markDone()
	return err
}

func (l *streamLink) markDone() {
	l.closeOnce.Do(func() { close(l.done) })
}

type linkSubscription struct {
	once   sync.Once
	remove func()
}

func (s *linkSubscription) Remove() {
	s.once.Do(s.remove)
}

// splitOn returns a bufio.SplitFunc that splits on delim and drops it.
// A trailing frame without delimiter is returned at EOF.
func splitOn(delim []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
