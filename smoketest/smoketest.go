// Package smoketest runs an in-process streaming pass against a tile
// endpoint: it spins up a throwaway streaming context, sweeps a camera
// over two positions and reports whether every covered cell loaded.
package smoketest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/datasource"
	"github.com/geodrift/strata/featureflag"
	"github.com/geodrift/strata/geo"
	"github.com/geodrift/strata/grid"
	"github.com/geodrift/strata/loader"
)

const (
	defaultTimeout = time.Second * 30
	pollInterval   = time.Millisecond * 25
)

type Options struct {
	// Tile endpoint template with {x}, {y} and {z} placeholders. Empty
	// runs against an internal stub source.
	Endpoint string
	DataType datasource.DataType
	Headers  []string
	Timeout  time.Duration
}

type Results struct {
	Passed       bool          `json:"passed"`
	ScopesLoaded int           `json:"scopes_loaded"`
	Entities     int           `json:"entities"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Run executes the smoke test. It is self-contained and never touches
// the server's live streaming context.
func Run(ctx context.Context, opts Options) Results {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	started := time.Now()
	fail := func(err error) Results {
		return Results{
			Duration: time.Since(started),
			Error:    err.Error(),
		}
	}

	if opts.Endpoint == "" {
		stop, endpoint, err := startStubSource()
		if err != nil {
			return fail(errors.New("starting stub source failed").Wrap(err))
		}
		defer stop()
		opts.Endpoint = endpoint
		opts.DataType = datasource.DataTypeJSON
	}

	streamingContext := loader.NewContext(loader.ContextOptions{
		FrameDuration: time.Millisecond * 5,
		DecodeWorkers: 2,
		Flags: featureflag.New([]string{
			string(featureflag.FlagDisableLoadInterval),
			string(featureflag.FlagDisableTileCache),
		}),
	})
	defer streamingContext.Close()

	source := &datasource.HTTPDatasource{
		Client:   http.DefaultClient,
		Loop:     streamingContext.Loop,
		Pool:     streamingContext.Pool,
		Entities: streamingContext.Entities,
	}

	l := loader.New(streamingContext, source, datasource.LoadParameters{
		DataType: opts.DataType,
		Endpoint: opts.Endpoint,
		Headers:  opts.Headers,
		Timeout:  time.Second * 10,
	}, loader.Options{})

	camera := geo.NewTransform()
	streamingContext.Origin.Track(camera)

	tracker := grid.NewTracker("smoke-test", camera, streamingContext.Origin, grid.TrackerOptions{
		MinZoom:            3,
		MaxZoom:            4,
		BaseSizeMultiplier: 1.5,
	})

	go streamingContext.Run(ctx)

	streamingContext.Loop.Post(func() {
		l.AddTracker(tracker)
		tracker.MoveTo(geo.NewCoordinate(0, 0, 5000))
		l.Start()
	})

	if err := waitLoaded(ctx, l, streamingContext); err != nil {
		return fail(err)
	}

	// Sweep to a second position so scope disposal and reloading is
	// exercised too.
	streamingContext.Loop.Post(func() {
		tracker.MoveTo(geo.NewCoordinate(48.85, 2.35, 5000))
	})

	if err := waitLoaded(ctx, l, streamingContext); err != nil {
		return fail(err)
	}

	var status loader.Status
	statusc := make(chan loader.Status, 1)
	streamingContext.Loop.Post(func() {
		statusc <- l.Snapshot()
		l.Dispose()
	})
	select {
	case status = <-statusc:
	case <-ctx.Done():
		return fail(errors.New("streaming core stalled").Wrap(ctx.Err()))
	}

	return Results{
		Passed:       true,
		ScopesLoaded: status.ScopesByState[loader.ScopeLoaded.String()],
		Entities:     status.Entities,
		Duration:     time.Since(started),
	}
}

// waitLoaded polls the loader until every active scope is loaded.
func waitLoaded(ctx context.Context, l *loader.Loader, streamingContext *loader.Context) error {
	for {
		statusc := make(chan loader.Status, 1)
		streamingContext.Loop.Post(func() {
			statusc <- l.Snapshot()
		})

		select {
		case status := <-statusc:
			loaded := status.ScopesByState[loader.ScopeLoaded.String()]
			if status.ActiveScopes > 0 && loaded == status.ActiveScopes {
				return nil
			}

		case <-ctx.Done():
			return errors.New("cells did not load in time").Wrap(ctx.Err())
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return errors.New("cells did not load in time").Wrap(ctx.Err())
		}
	}
}

// startStubSource serves a small feature collection for any tile path on
// a loopback listener.
func startStubSource() (stop func(), endpoint string, err error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"features":[{"id":"%s","type":"stub","properties":{}}]}`, r.URL.Path)
		}),
	}
	go server.Serve(listener)

	stop = func() {
		if err := server.Shutdown(context.Background()); err != nil {
			logs.Warn(errors.New("shutting down stub source failed").Wrap(err))
		}
	}
	return stop, fmt.Sprintf("http://%s/tiles/{z}/{x}/{y}", listener.Addr()), nil
}
