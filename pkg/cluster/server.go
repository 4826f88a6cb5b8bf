package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/metrics"
	"github.com/stratumhq/strata/pkg/types"
)

// Version is the service version reported by /info.
const Version = "0.9.0"

// InfoResponse is the body of GET /info, served by every node role.
type InfoResponse struct {
	ID         string          `json:"id"`
	NodeType   types.NodeType  `json:"node_type"`
	NodeNumber int             `json:"node_number"`
	State      types.NodeState `json:"node_state"`
	Version    string          `json:"version"`
	StartTime  time.Time       `json:"start_time"`
	UpTime     float64         `json:"up_time"`
}

// InfoHandler serves the node's identity and state.
func InfoHandler(n *Node, start time.Time) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		info := n.Info()
		WriteJSON(w, http.StatusOK, InfoResponse{
			ID:         info.ID,
			NodeType:   info.NodeType,
			NodeNumber: info.NodeNumber,
			State:      n.State(),
			Version:    Version,
			StartTime:  start,
			UpTime:     time.Since(start).Seconds(),
		})
	}
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware wraps a router with request logging and Prometheus metrics.
func Middleware(nodeType types.NodeType, next http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		metrics.ObserveRequest(string(nodeType), r.Method, sw.code, elapsed)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("code", sw.code).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// Serve runs the HTTP server on port until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, nodeType types.NodeType, port int, router http.Handler) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: Middleware(nodeType, router),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.WithComponent(string(nodeType)).Info().Int("port", port).Msg("listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
