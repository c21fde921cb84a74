// Package localipc is the stdio NDJSON front-end for the kernel: one
// JSON-RPC 2.0 request per input line, one response per output line,
// for a caller that embeds kiwid as a child process rather than talking
// over loopback HTTP. Grounded on pkg/transport/jsonrpc_handler.go's
// request/response envelope and pkg/primitive/subprocess's
// bufio.Scanner-over-a-pipe line reading.
package localipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kiwi-run/kiwi/pkg/harness"
	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/transport"
)

// Server reads newline-delimited JSON-RPC requests from in and writes
// newline-delimited responses to out, one line per message. Requests
// are dispatched concurrently — a slow directive execute doesn't block
// a concurrent search — but writes to out are serialized.
type Server struct {
	kernel  *kernel.Kernel
	harness *harness.Harness
	in      io.Reader
	out     io.Writer
	log     *slog.Logger

	writeMu sync.Mutex
}

// New builds a Server dispatching the kernel's four meta-operations
// plus, when h is non-nil, the harness's "thread.*" methods for
// spawning and controlling directive threads.
func New(k *kernel.Kernel, h *harness.Harness, in io.Reader, out io.Writer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{kernel: k, harness: h, in: in, out: out, log: log}
}

// Run scans in line by line until EOF, ctx cancellation, or a scan
// error, dispatching each line as its own request. It returns nil on
// a clean EOF.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		reqLine := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, reqLine)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("localipc: reading requests: %w", err)
	}
	return nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && (b[i] == ' ' || b[i] == '\t' || b[i] == '\r') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\t' || b[j-1] == '\r') {
		j--
	}
	return b[i:j]
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req transport.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(transport.Response{Error: &transport.RPCError{Code: transport.ParseError, Message: err.Error()}})
		return
	}

	var result interface{}
	var rpcErr *transport.RPCError
	if s.harness != nil && transport.HarnessMethod(req.Method) {
		result, rpcErr = transport.DispatchHarness(ctx, s.harness, req)
	} else {
		result, rpcErr = transport.Dispatch(ctx, s.kernel, req)
	}
	s.write(transport.Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) write(resp transport.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("localipc: failed to marshal response", "error", err)
		return
	}
	raw = append(raw, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(raw); err != nil {
		s.log.Error("localipc: failed to write response", "error", err)
	}
}
