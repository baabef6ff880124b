package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

const shutdownTimeout = time.Second * 10

// ListenAndServe runs the given servers until ctx is cancelled, then
// shuts them down gracefully. In-flight requests get shutdownTimeout to
// complete.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)

		go func(s *http.Server) {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")

			err := s.ListenAndServe()
			switch err {
			case nil, http.ErrServerClosed, context.Canceled:
				logs.WithTag("addr", s.Addr).Info("server stopped")

			default:
				logs.Error(errors.New("server stopped").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}(s)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logs.Warn(errors.New("shutting down server failed").
				WithTag("addr", s.Addr).
				Wrap(err))
		}
	}

	wg.Wait()
}

// MetricsPathFormatter drops the request path from HTTP metrics labels
// for statuses that would otherwise create unbounded label cardinality.
func MetricsPathFormatter(statusCode int, path string) string {
	switch statusCode {
	case http.StatusMovedPermanently,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed:
		return ""
	}
	return path
}
