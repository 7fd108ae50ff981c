// Package proxy fronts an OpenAI-compatible backend and rewrites chat
// completion responses whose text carries inline reasoning or tool-call
// markup. Requests stream through a reverse proxy with a pooled transport;
// the response path is intercepted and rewritten, complete bodies in one
// piece and SSE streams line by line.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vllm-studio/reason-proxy/internal/config"
	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/errors"
	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/metrics"
	"github.com/vllm-studio/reason-proxy/internal/streaming"
	"github.com/vllm-studio/reason-proxy/internal/transform"
)

// ChatCompletionsHandler proxies chat completion requests and rewrites the
// responses. The model name in the request picks the dialect profile; the
// response Content-Type picks complete or streaming handling, so a client
// that asked for a stream but got a JSON error still sees it untouched.
func ChatCompletionsHandler(target *url.URL, cfg *config.Config, log *logger.Logger, router *dialect.Router, registry *streaming.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			errors.AbortWithBadRequest(c, "failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		model := gjson.GetBytes(body, "model").String()
		streamRequested := gjson.GetBytes(body, "stream").Bool()

		profile := router.Match(model)
		if cfg.FlushPartialOnEnd {
			profile.FlushPartialOnEnd = true
		}

		sessionID := uuid.New().String()
		ctx := logger.WithSessionID(logger.WithModel(c.Request.Context(), model), sessionID)
		c.Request = c.Request.WithContext(ctx)

		reqLog := log.WithContext(ctx).WithFields(map[string]any{
			"profile": profile.Name,
			"stream":  streamRequested,
		})

		proxy := newReverseProxy(target, cfg)
		proxy.ErrorHandler = upstreamErrorHandler(log)
		proxy.ModifyResponse = func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				// Error bodies relay verbatim so clients see the
				// backend's own message.
				reqLog.Warn("upstream returned error status",
					slog.Int("status", resp.StatusCode))
				return nil
			}

			if isEventStream(resp) {
				sess, _ := registry.GetOrCreate(sessionID, profile)
				relayStream(resp, newStreamRewriter(sess, reqLog), sessionID, registry, c.Request.Context(), reqLog)
				return nil
			}
			return transformComplete(resp, profile, reqLog)
		}

		// A request canceled before proxying must not reach ServeHTTP,
		// which would try to write on the dead connection.
		select {
		case <-c.Request.Context().Done():
			reqLog.Debug("client disconnected before proxying")
			c.AbortWithStatus(499) // client closed request
			return
		default:
		}

		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// PassthroughHandler forwards everything else to the upstream untouched, so
// model listings, embeddings and whatever else the backend serves keep
// working through the same port.
func PassthroughHandler(target *url.URL, cfg *config.Config, log *logger.Logger) gin.HandlerFunc {
	proxy := newReverseProxy(target, cfg)
	proxy.ErrorHandler = upstreamErrorHandler(log)

	return func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
			c.AbortWithStatus(499) // client closed request
			return
		default:
		}
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// HealthHandler reports liveness, the configured upstream and the instance
// serving the check.
func HealthHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"upstream": cfg.UpstreamBaseURL,
			"instance": logger.GetInstanceID(),
		})
	}
}

// transformComplete rewrites a complete chat completion body in place.
func transformComplete(resp *http.Response, profile dialect.Profile, log *logger.Logger) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	out, disposition := safeTransform(body, profile, log)
	metrics.RecordResponse("complete", disposition.String())
	if disposition == transform.Transformed {
		log.Debug("response transformed",
			slog.Int("bytes_in", len(body)),
			slog.Int("bytes_out", len(out)))
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// safeTransform shields delivery from extraction bugs. A payload the
// transformer cannot handle is forwarded as received.
func safeTransform(body []byte, profile dialect.Profile, log *logger.Logger) (out []byte, disposition transform.Disposition) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("transform panic, passing response through", slog.Any("panic", rec))
			out, disposition = body, transform.PassedThrough
		}
	}()
	return transform.Response(body, transform.Options{
		SkipReasoning: !profile.Reasoning,
		Grammars:      profile.Grammars,
	})
}

func upstreamErrorHandler(log *logger.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			log.Debug("client canceled request", slog.String("error", err.Error()))
			return
		}

		metrics.UpstreamErrors.Inc()
		log.LogError(r.Context(), err, "upstream request failed")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		payload, _ := json.Marshal(errors.NewAPIError(
			"upstream request failed: "+err.Error(),
			errors.TypeUpstream,
			"upstream_unreachable",
		))
		_, _ = w.Write(payload)
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}
