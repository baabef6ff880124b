package datasource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/geodrift/strata/grid"
	"github.com/geodrift/strata/models"
	"github.com/geodrift/strata/scheduler"
	"github.com/stretchr/testify/require"
)

type result struct {
	entities []*models.Entity
	err      error
}

func newTestSource(t *testing.T) *HTTPDatasource {
	t.Helper()

	loop := scheduler.NewLoop(time.Millisecond)
	t.Cleanup(loop.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	pool := scheduler.NewPool(loop, 2)
	t.Cleanup(pool.Close)

	return &HTTPDatasource{
		Client:   http.DefaultClient,
		Loop:     loop,
		Pool:     pool,
		Entities: models.NewEntityStore(),
	}
}

func TestOperationLoad(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tiles/3/2/5", r.URL.Path)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"features":[{"id":"a","type":"building"},{"id":"b","type":"road"}]}`))
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL + "/tiles/{z}/{x}/{y}",
		Headers:  []string{"Authorization#Bearer token"},
		Index:    grid.Index{X: 2, Y: 5, W: 8, H: 8},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Len(t, res.entities, 2)
		require.Equal(t, "json", res.entities[0].Kind)
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}

	require.Equal(t, StateLoaded, op.State())
	require.NoError(t, op.Err())
	require.False(t, op.LoadingWasCompromised())
}

func TestOperationSyncDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[{"id":"a","type":"building"}]}`))
	}))
	defer server.Close()

	source := newTestSource(t)
	source.SyncDecode = true

	results := make(chan result, 1)
	source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Len(t, res.entities, 1)
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}
}

func TestOperationDecodeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{broken`))
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.True(t, errors.IsType(res.err, ErrTypeDecode))
		require.Empty(t, res.entities)
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}

	require.Equal(t, StateFailed, op.State())
	require.True(t, errors.IsType(op.Err(), ErrTypeDecode))
}

func TestOperationProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.True(t, errors.IsType(res.err, ErrTypeProtocol))
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}
}

func TestOperationTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Timeout:  time.Millisecond * 50,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.True(t, errors.IsType(res.err, ErrTypeTimeout))
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}

	require.Equal(t, StateFailed, op.State())
}

func TestOperationFallbackValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
		FallbackValues: []byte(`[
			{"id":"ground","type":"plane","create_default":true},
			{"id":"skip-me","type":"plane","create_default":false}
		]`),
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Len(t, res.entities, 1)
		require.True(t, res.entities[0].Persist)
		require.Equal(t, "plane", res.entities[0].Kind)
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}

	require.Equal(t, StateLoaded, op.State())
}

func TestOperationNotFoundWithoutFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.True(t, errors.IsType(res.err, ErrTypeProtocol))
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}
}

func TestOperationKill(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	op.Kill()
	op.Kill()
	require.Equal(t, StateKilled, op.State())
	require.True(t, errors.IsType(op.Err(), ErrTypeCancelled))

	// Late results of a killed operation are dropped.
	select {
	case <-results:
		t.Fatal("killed operation invoked its callback")
	case <-time.After(time.Millisecond * 200):
	}
}

func TestOperationKillAfterLoaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[]}`))
	}))
	defer server.Close()

	source := newTestSource(t)

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	<-results
	require.Equal(t, StateLoaded, op.State())

	op.Kill()
	require.Equal(t, StateLoaded, op.State())
}

func TestOperationCompromised(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[]}`))
	}))
	defer server.Close()

	source := newTestSource(t)
	source.Pool.Close()

	results := make(chan result, 1)
	op := source.Load(context.Background(), LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL,
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}, func(entities []*models.Entity, err error) {
		results <- result{entities, err}
	})

	select {
	case res := <-results:
		require.True(t, errors.IsType(res.err, ErrTypeCompromised))
	case <-time.After(time.Second * 5):
		t.Fatal("operation never resolved")
	}

	require.Equal(t, StateFailed, op.State())
}

func TestOperationServesFromCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"features":[{"id":"a","type":"building"}]}`))
	}))
	defer server.Close()

	cache, err := OpenCache(filepath.Join(t.TempDir(), "tiles.db"), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	source := newTestSource(t)
	source.Cache = cache

	params := LoadParameters{
		DataType: DataTypeJSON,
		Endpoint: server.URL + "/{z}/{x}/{y}",
		Index:    grid.Index{X: 0, Y: 0, W: 1, H: 1},
	}

	for i := 0; i < 2; i++ {
		results := make(chan result, 1)
		source.Load(context.Background(), params, func(entities []*models.Entity, err error) {
			results <- result{entities, err}
		})

		select {
		case res := <-results:
			require.NoError(t, res.err)
			require.Len(t, res.entities, 1)
		case <-time.After(time.Second * 5):
			t.Fatal("operation never resolved")
		}
	}

	require.Equal(t, int32(1), hits.Load())
}

func TestOperationResolutionReleasesRequestContext(t *testing.T) {
	op := &Operation{Params: LoadParameters{DataType: DataTypeJSON}}
	op.started = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	op.cancel = cancel

	op.finalize(nil, nil)

	require.Equal(t, StateLoaded, op.State())
	require.Error(t, ctx.Err())
}
