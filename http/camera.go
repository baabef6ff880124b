package http

import (
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/geo"
	"github.com/geodrift/strata/loader"
	"github.com/geodrift/strata/scheduler"
	"github.com/segmentio/encoding/json"
)

const cameraUpdateTimeout = time.Second * 5

// CameraUpdate is the camera control payload. Latitude is clamped and
// longitude wrapped before being applied.
type CameraUpdate struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// HandleCameraUpdate moves a tracked camera. The move is marshaled onto
// the scheduler loop so grid recomputation happens on the next tick.
func HandleCameraUpdate(loop *scheduler.Loop, l *loader.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var update CameraUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if update.ID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		errc := make(chan error, 1)
		loop.Post(func() {
			errc <- l.MoveCamera(update.ID,
				geo.NewCoordinate(update.Lat, update.Lon, update.Alt))
		})

		select {
		case err := <-errc:
			if err != nil {
				if errors.IsType(err, loader.ErrTypeUnknownCamera) {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				logs.Error(errors.New("moving camera failed").Wrap(err))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)

		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)

		case <-time.After(cameraUpdateTimeout):
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
}
