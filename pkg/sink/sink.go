// Package sink implements the Sink Fan-Out (C8): ordered, synchronous
// per-chunk dispatch of primitive output to N consumers (spec.md §4.7).
//
// A sink is itself data-driven — the chain resolver resolves each sink
// id to a primitive before the owning primitive runs, and sinks are
// passed in as an ordered, pre-instantiated list. This package supplies
// the small fixed set of in-process sink kinds (return/stdout/file/
// parse_json/line_split/regex_extract); a sink backed by a further tool
// chain is out of this package's scope and is wired by the harness via
// the Sink interface instead.
package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"
)

// Event is one chunk of primitive output.
type Event struct {
	Stream    string // "stdout" | "stderr"
	Chunk     []byte
	Timestamp time.Time
}

// Sink consumes events emitted by a primitive. Implementations must be
// safe to call repeatedly and must not block indefinitely — the fan-out
// dispatches synchronously, so a slow sink slows the whole primitive.
type Sink interface {
	Consume(Event) error
	// Close finalizes the sink once the primitive has finished producing
	// events (e.g. flushing a file handle). Close is always called
	// exactly once, even if a prior Consume failed.
	Close() error
}

// Critical marks a sink whose failure must halt the fan-out — a
// failing non-critical sink is recorded but does not stop delivery to
// the remaining sinks.
type Critical interface {
	Critical() bool
}

// FanOut dispatches every event to each sink in order, synchronously.
type FanOut struct {
	sinks []Sink
}

func NewFanOut(sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks}
}

// Dispatch sends ev to every sink in declared order. If a critical sink
// returns an error, dispatch stops immediately and the error is
// returned; errors from non-critical sinks are collected and returned
// together after all sinks have been tried.
func (f *FanOut) Dispatch(ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Consume(ev); err != nil {
			if isCritical(s) {
				return fmt.Errorf("sink: critical sink failed: %w", err)
			}
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// CloseAll closes every sink, collecting (not short-circuiting on)
// individual close errors so every sink gets a chance to flush.
func (f *FanOut) CloseAll() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func isCritical(s Sink) bool {
	c, ok := s.(Critical)
	return ok && c.Critical()
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("sink: %d sink errors: %v", len(errs), msgs)
}

// ReturnSink accumulates every event's bytes in memory, split by stream,
// for the kernel to return as the final execute() payload.
type ReturnSink struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func NewReturnSink() *ReturnSink { return &ReturnSink{} }

func (s *ReturnSink) Consume(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Stream {
	case "stderr":
		s.stderr.Write(ev.Chunk)
	default:
		s.stdout.Write(ev.Chunk)
	}
	return nil
}

func (s *ReturnSink) Close() error { return nil }

func (s *ReturnSink) Stdout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String()
}

func (s *ReturnSink) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

// WriterSink forwards every chunk to an io.Writer, e.g. os.Stdout for a
// "stdout" sink kind, or an *os.File for a "file" sink kind.
type WriterSink struct {
	w        io.Writer
	closer   io.Closer
	critical bool
}

// NewStdoutSink writes every chunk to the process's stdout.
func NewStdoutSink() *WriterSink {
	return &WriterSink{w: os.Stdout}
}

// NewFileSink appends every chunk to the file at path, creating it if
// necessary. File sinks are critical by default: a disk-full or
// permission error should halt the primitive rather than be silently
// dropped.
func NewFileSink(path string) (*WriterSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &WriterSink{w: f, closer: f, critical: true}, nil
}

func (s *WriterSink) Consume(ev Event) error {
	_, err := s.w.Write(ev.Chunk)
	return err
}

func (s *WriterSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *WriterSink) Critical() bool { return s.critical }

// LineSplitSink buffers partial chunks and invokes onLine once per
// complete newline-terminated line, scanning an internal buffer for
// newlines as chunks arrive; Close flushes a trailing partial line.
type LineSplitSink struct {
	onLine func(line string)
	buf    bytes.Buffer
}

func NewLineSplitSink(onLine func(line string)) *LineSplitSink {
	return &LineSplitSink{onLine: onLine}
}

func (s *LineSplitSink) Consume(ev Event) error {
	s.buf.Write(ev.Chunk)
	for {
		b := s.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx == -1 {
			break
		}
		line := string(b[:idx])
		s.onLine(line)
		s.buf.Next(idx + 1)
	}
	return nil
}

func (s *LineSplitSink) Close() error {
	if s.buf.Len() > 0 {
		s.onLine(s.buf.String())
		s.buf.Reset()
	}
	return nil
}

// ParseJSONSink attempts to decode each complete line as JSON, invoking
// onObject for each successfully parsed value. Lines that fail to parse
// are ignored — this sink is a best-effort structured-log extractor,
// not a strict validator.
type ParseJSONSink struct {
	onObject func(v any)
	scanner  *bufio.Scanner
	pr       *io.PipeReader
	pw       *io.PipeWriter
	done     chan struct{}
}

func NewParseJSONSink(onObject func(v any)) *ParseJSONSink {
	pr, pw := io.Pipe()
	s := &ParseJSONSink{
		onObject: onObject,
		scanner:  bufio.NewScanner(pr),
		pr:       pr,
		pw:       pw,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ParseJSONSink) run() {
	defer close(s.done)
	for s.scanner.Scan() {
		var v any
		if err := json.Unmarshal(s.scanner.Bytes(), &v); err == nil {
			s.onObject(v)
		}
	}
}

func (s *ParseJSONSink) Consume(ev Event) error {
	_, err := s.pw.Write(ev.Chunk)
	return err
}

func (s *ParseJSONSink) Close() error {
	s.pw.Close()
	<-s.done
	return nil
}

// RegexExtractSink runs a regular expression over the accumulated
// output (not per-chunk, since matches may span chunk boundaries) and
// invokes onMatch for every match found once the stream ends.
type RegexExtractSink struct {
	re      *regexp.Regexp
	onMatch func(groups []string)
	buf     bytes.Buffer
}

func NewRegexExtractSink(re *regexp.Regexp, onMatch func(groups []string)) *RegexExtractSink {
	return &RegexExtractSink{re: re, onMatch: onMatch}
}

func (s *RegexExtractSink) Consume(ev Event) error {
	s.buf.Write(ev.Chunk)
	return nil
}

func (s *RegexExtractSink) Close() error {
	matches := s.re.FindAllStringSubmatch(s.buf.String(), -1)
	for _, m := range matches {
		s.onMatch(m)
	}
	return nil
}
