package datasource

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/models"
	"github.com/geodrift/strata/scheduler"
)

const defaultTimeout = time.Second * 30

// State is the lifecycle state of a datasource operation.
type State int32

const (
	StateLoading State = iota
	StateLoaded
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Callback receives the outcome of an operation on the scheduler loop.
type Callback func([]*models.Entity, error)

// Datasource produces operations that fetch and decode the content of one
// grid cell.
type Datasource interface {
	Load(ctx context.Context, params LoadParameters, callback Callback) *Operation
}

// Operation is one fetch and decode attempt. Once Killed, Loaded or
// Failed it never transitions again; killing is idempotent and safe after
// resolution.
type Operation struct {
	Params LoadParameters

	source *HTTPDatasource

	mutex    sync.Mutex
	state    State
	err      error
	task     *scheduler.Task
	cancel   context.CancelFunc
	callback Callback
	started  time.Time
}

func (op *Operation) State() State {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.state
}

func (op *Operation) Err() error {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.err
}

// Kill cancels the underlying I/O and any still running processor task.
// Calling it after the operation resolved is a no-op.
func (op *Operation) Kill() {
	op.mutex.Lock()
	if op.state != StateLoading {
		op.mutex.Unlock()
		return
	}
	op.state = StateKilled
	op.err = errors.New("operation killed").WithType(ErrTypeCancelled)
	cancel := op.cancel
	task := op.task
	op.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if task != nil {
		task.Cancel()
	}
	instrumentOperation(op.Params.DataType, "killed")
}

// LoadingWasCompromised reports whether the operation's processor task
// lost its execution context before completion. The owner must discard
// the operation and retry instead of awaiting it.
func (op *Operation) LoadingWasCompromised() bool {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.task != nil && op.task.ProcessingWasCompromised()
}

func (op *Operation) execute(ctx context.Context) {
	timeout := op.Params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	op.mutex.Lock()
	op.cancel = cancel
	op.started = time.Now()
	op.mutex.Unlock()

	go op.fetch(reqCtx)
}

// fetch performs the I/O stage on its own goroutine, then hands the raw
// bytes to the processor. The final state mutation always happens on the
// scheduler loop.
func (op *Operation) fetch(ctx context.Context) {
	req := op.Params.Request()

	var body []byte
	var notFound bool
	cached := false

	if cache := op.source.Cache; cache != nil {
		if data, ok := cache.Get(ctx, cacheKey(op.Params)); ok {
			body = data
			cached = true
			instrumentCacheLookup(true)
		} else {
			instrumentCacheLookup(false)
		}
	}

	if !cached {
		var err error
		body, notFound, err = op.source.do(ctx, req)
		if err != nil {
			op.resolve(nil, err)
			return
		}

		if cache := op.source.Cache; cache != nil && !notFound {
			if err := cache.Put(context.Background(), cacheKey(op.Params), body); err != nil {
				logs.Warn(errors.New("caching tile payload failed").
					WithTag("endpoint", req.Endpoint).
					Wrap(err))
			}
		}
	}

	if notFound {
		// Authoritative data is absent; resolve through the fallback
		// values on the loop.
		op.source.Loop.Post(func() { op.resolveFallback(req) })
		return
	}

	op.decode(ctx, body)
}

// decode runs the CPU bound stage. Asynchronous mode schedules a
// processor task whose completion is marshaled back onto the loop;
// synchronous mode decodes eagerly and is used for small payloads only.
func (op *Operation) decode(ctx context.Context, body []byte) {
	dataType := op.Params.DataType

	if op.source.SyncDecode {
		decoded, err := scheduler.RunSync(body, func(_ context.Context, params any) (any, error) {
			return Decode(dataType, params.([]byte))
		})
		op.resolve(decoded, err)
		return
	}

	task, err := op.source.Pool.Submit(ctx, body,
		func(taskCtx context.Context, params any) (any, error) {
			if err := taskCtx.Err(); err != nil {
				return nil, err
			}
			return Decode(dataType, params.([]byte))
		},
		func(decoded any, err error) {
			op.finalize(decoded, err)
		},
	)
	if err != nil {
		op.resolve(nil, errors.New("scheduling decode failed").
			WithType(ErrTypeCompromised).
			Wrap(err))
		return
	}

	op.mutex.Lock()
	op.task = task
	op.mutex.Unlock()
}

// resolve posts the outcome onto the loop.
func (op *Operation) resolve(decoded any, err error) {
	op.source.Loop.Post(func() { op.finalize(decoded, err) })
}

// finalize applies the outcome. Runs on the scheduler loop. A killed or
// already resolved operation ignores late results.
func (op *Operation) finalize(decoded any, err error) {
	op.mutex.Lock()
	if op.state != StateLoading {
		op.mutex.Unlock()
		return
	}

	var entities []*models.Entity
	if err == nil {
		entities = op.buildEntities(decoded)
		op.state = StateLoaded
	} else {
		op.state = StateFailed
		op.err = err
	}
	callback := op.callback
	cancel := op.cancel
	started := op.started
	op.mutex.Unlock()

	// Settled; release the request timeout context.
	if cancel != nil {
		cancel()
	}

	instrumentOperation(op.Params.DataType, op.State().String())
	instrumentOperationDuration(op.Params.DataType, time.Since(started))

	if callback != nil {
		callback(entities, err)
	}
}

// resolveFallback resolves an absent cell through its fallback value
// descriptors. Runs on the scheduler loop.
func (op *Operation) resolveFallback(req Request) {
	values, err := op.Params.ParseFallbackValues()
	if err == nil && len(values) == 0 {
		err = errors.New("no content for cell and no fallback values").
			WithType(ErrTypeProtocol).
			WithTag("url", req.Endpoint).
			WithTag("status", http.StatusNotFound)
	}
	if err != nil {
		op.finalize(nil, err)
		return
	}

	var entities []*models.Entity
	for _, v := range values {
		if !v.CreateDefault {
			continue
		}
		e := models.NewEntity(op.source.Entities.NewID(), v.Type)
		e.Persist = true
		e.SetPayload(v)
		entities = append(entities, e)
	}

	op.mutex.Lock()
	if op.state != StateLoading {
		op.mutex.Unlock()
		return
	}
	op.state = StateLoaded
	callback := op.callback
	cancel := op.cancel
	op.mutex.Unlock()

	if cancel != nil {
		cancel()
	}

	instrumentOperation(op.Params.DataType, "fallback")

	if callback != nil {
		callback(entities, nil)
	}
}

// buildEntities mints persistent entities from the decoded object. Vector
// payloads produce one entity per feature, scalar payloads a single one.
func (op *Operation) buildEntities(decoded any) []*models.Entity {
	kind := op.Params.DataType.String()

	switch v := decoded.(type) {
	case *FeatureCollection:
		entities := make([]*models.Entity, 0, len(v.Features))
		for _, f := range v.Features {
			e := models.NewEntity(op.source.Entities.NewID(), kind)
			e.SetPayload(f)
			entities = append(entities, e)
		}
		return entities

	case nil:
		return nil

	default:
		e := models.NewEntity(op.source.Entities.NewID(), kind)
		e.SetPayload(decoded)
		return []*models.Entity{e}
	}
}

// HTTPDatasource fetches tile content over HTTP, optionally backed by a
// local byte cache.
type HTTPDatasource struct {
	// The instrumented HTTP client used for tile requests.
	Client *http.Client

	Loop     *scheduler.Loop
	Pool     *scheduler.Pool
	Entities *models.EntityStore

	// Optional local tile cache.
	Cache *Cache

	// Decode eagerly on the fetch goroutine instead of scheduling a
	// processor task. Small payloads only.
	SyncDecode bool
}

func (d *HTTPDatasource) Load(ctx context.Context, params LoadParameters, callback Callback) *Operation {
	op := &Operation{
		Params:   params,
		source:   d,
		callback: callback,
	}
	op.execute(ctx)
	return op
}

// do performs the HTTP exchange and classifies failures into the error
// taxonomy. A 404 reports absent content instead of an error.
func (d *HTTPDatasource) do(ctx context.Context, req Request) (body []byte, notFound bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, false, errors.New("building tile request failed").
			WithType(ErrTypeTransport).
			WithTag("url", req.Endpoint).
			Wrap(err)
	}

	for _, h := range req.Headers {
		if name, value, ok := SplitHeader(h); ok {
			httpReq.Header.Set(name, value)
		}
	}

	res, err := d.Client.Do(httpReq)
	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return nil, false, errors.New("tile request timed out").
				WithType(ErrTypeTimeout).
				WithTag("url", req.Endpoint).
				WithTag("timeout", req.Timeout).
				Wrap(err)

		case ctx.Err() == context.Canceled:
			return nil, false, errors.New("tile request cancelled").
				WithType(ErrTypeCancelled).
				WithTag("url", req.Endpoint).
				Wrap(err)

		default:
			return nil, false, errors.New("tile request failed").
				WithType(ErrTypeTransport).
				WithTag("url", req.Endpoint).
				Wrap(err)
		}
	}
	defer res.Body.Close()

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, false, errors.New("reading tile response failed").
			WithType(ErrTypeTransport).
			WithTag("url", req.Endpoint).
			Wrap(err)
	}

	if res.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, false, errors.New("tile request rejected").
			WithType(ErrTypeProtocol).
			WithTag("url", req.Endpoint).
			WithTag("status", res.StatusCode).
			WithTag("body", truncate(body, 256))
	}

	return body, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func cacheKey(p LoadParameters) string {
	return p.DataType.String() + "|" + p.Request().Endpoint
}
