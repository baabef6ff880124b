package http

import (
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/loader"
	"github.com/geodrift/strata/scheduler"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const defaultStatusInterval = time.Second

// HandleStatus streams loader status snapshots over a websocket at the
// given interval. Snapshots are built on the scheduler loop and
// serialized on the connection goroutine.
func HandleStatus(loop *scheduler.Loop, l *loader.Loader, interval time.Duration, handshake func(*websocket.Config, *http.Request) error) http.Handler {
	if interval <= 0 {
		interval = defaultStatusInterval
	}

	return websocket.Server{
		Handshake: handshake,
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			ctx := conn.Request().Context()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				statusc := make(chan loader.Status, 1)
				loop.Post(func() {
					statusc <- l.Snapshot()
				})

				var status loader.Status
				select {
				case status = <-statusc:
				case <-ctx.Done():
					return
				}

				body, err := json.Marshal(status)
				if err != nil {
					logs.Error(errors.New("encoding status failed").Wrap(err))
					return
				}
				if err := websocket.Message.Send(conn, string(body)); err != nil {
					logs.WithTag("remote_addr", conn.Request().RemoteAddr).
						Debug("status stream closed")
					return
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		},
	}
}
