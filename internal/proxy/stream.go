package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/metrics"
	"github.com/vllm-studio/reason-proxy/internal/streaming"
)

// relayStream swaps the upstream SSE body for a pipe fed by a rewriting
// goroutine. The reverse proxy copies from the pipe to the client and
// flushes per write, so transformed chunks arrive with the upstream's
// cadence. The session is always torn down when the goroutine exits,
// whether the stream completed, the client left, or a rewrite panicked.
func relayStream(resp *http.Response, rw *streamRewriter, sessionID string, registry *streaming.Registry, clientCtx context.Context, log *logger.Logger) {
	originalBody := resp.Body
	pr, pw := io.Pipe()
	resp.Body = pr

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in stream relay", slog.Any("panic", rec))
			}
		}()
		defer func() {
			metrics.RecordResponse("stream", rw.disposition())
		}()
		defer pw.Close()
		defer originalBody.Close()
		defer registry.End(sessionID)

		scanner := bufio.NewScanner(originalBody)
		// SSE lines are usually small, but a chunk can carry a whole
		// tool-call body.
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-clientCtx.Done():
				log.Debug("client disconnected, abandoning stream")
				return
			default:
			}

			for _, line := range rw.rewriteLine(scanner.Text()) {
				if _, err := pw.Write([]byte(line + "\n")); err != nil {
					log.Debug("pipe write failed, client likely disconnected",
						slog.String("error", err.Error()))
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			log.Error("upstream stream read failed", slog.String("error", err.Error()))
		}

		// Streams that die without a done marker still get their terminal
		// flush; a truncated tool call is often recoverable.
		for _, line := range rw.tail() {
			if _, err := pw.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}()

	// Chunked encoding from here on.
	resp.Header.Del("Content-Length")
}
