package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/geodrift/strata/datasource"
	"github.com/geodrift/strata/featureflag"
	"github.com/geodrift/strata/geo"
	"github.com/geodrift/strata/grid"
	strataHTTP "github.com/geodrift/strata/http"
	"github.com/geodrift/strata/loader"
	"github.com/geodrift/strata/smoketest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

var (
	// The Strata version number. Set at build.
	version = "v0.3.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "strata_info",
		Help:        "Strata information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr           string        `cli:""        env:"STRATA_ADDR"             help:"Listening address for client connections."`
	AdminAddr      string        `cli:""        env:"STRATA_ADMIN_ADDR"       help:"Admin listening address."`
	AccessToken    string        `cli:""        env:"STRATA_ACCESS_TOKEN"     help:"Access token required on control endpoints. Empty disables the check."`
	LogLevel       string        `cli:""        env:"STRATA_LOG_LEVEL"        help:"Log level (debug|info|warning|error)."`
	LogIndent      bool          `cli:""        env:"STRATA_LOG_INDENT"       help:"Indent logs."`
	FrameDuration  time.Duration `cli:",hidden" env:"STRATA_FRAME_DURATION"   help:"The duration of a scheduler frame."`
	DecodeWorkers  int           `cli:",hidden" env:"STRATA_DECODE_WORKERS"   help:"The number of tile decode workers."`
	StatusInterval time.Duration `cli:",hidden" env:"STRATA_STATUS_INTERVAL"  help:"The interval between status stream snapshots."`
	Source         sourceConfig  `cli:",hidden" env:"-"                       help:"Tile source configuration."`
	Grid           gridConfig    `cli:",hidden" env:"-"                       help:"Camera grid configuration."`
	Loader         loaderConfig  `cli:",hidden" env:"-"                       help:"Load scope configuration."`
	Events         eventsConfig  `cli:",hidden" env:"-"                       help:"Event pusher configuration."`
	FeatureFlags   []string      `cli:",hidden" env:"STRATA_FEATURE_FLAGS"    help:"Comma separated feature flags"`
	Version        bool          `cli:""        env:"-"                       help:"Show version."`
	Help           bool          `cli:""        env:"-"                       help:"Show help."`
}

type sourceConfig struct {
	Endpoint       string        `cli:",hidden" env:"STRATA_SOURCE_ENDPOINT"        help:"Tile endpoint template with {x}, {y}, {z} and {seed} placeholders."`
	DataType       string        `cli:",hidden" env:"STRATA_SOURCE_DATA_TYPE"       help:"Tile payload type (json|texture|elevation|elevation-gzip|vector-json)."`
	Seed           int           `cli:",hidden" env:"STRATA_SOURCE_SEED"            help:"Seed substituted into the endpoint template."`
	Timeout        time.Duration `cli:",hidden" env:"STRATA_SOURCE_TIMEOUT"         help:"Per tile request timeout."`
	Headers        []string      `cli:",hidden" env:"STRATA_SOURCE_HEADERS"         help:"Comma separated name#value header pairs sent with tile requests."`
	FallbackValues string        `cli:",hidden" env:"STRATA_SOURCE_FALLBACK_VALUES" help:"JSON array of fallback value descriptors applied when tiles are absent."`
	CachePath      string        `cli:",hidden" env:"STRATA_SOURCE_CACHE_PATH"      help:"Path of the local sqlite tile cache. Empty disables caching."`
	CacheTTL       time.Duration `cli:",hidden" env:"STRATA_SOURCE_CACHE_TTL"       help:"Tile cache entry lifetime."`
}

type gridConfig struct {
	MinZoom            int           `cli:",hidden" env:"STRATA_GRID_MIN_ZOOM"             help:"Lowest cascade zoom level."`
	MaxZoom            int           `cli:",hidden" env:"STRATA_GRID_MAX_ZOOM"             help:"Highest cascade zoom level."`
	BaseSizeMultiplier float64       `cli:",hidden" env:"STRATA_GRID_SIZE_MULTIPLIER"      help:"Base multiplier applied to the cell extent to obtain the view radius."`
	DimensionRatio     float64       `cli:",hidden" env:"STRATA_GRID_DIMENSION_RATIO"      help:"Latitude over longitude tile count ratio."`
	DeadZone           float64       `cli:",hidden" env:"STRATA_GRID_DEAD_ZONE"            help:"Camera motion in meters ignored by the dynamic size damping."`
	OffsetMultiplier   float64       `cli:",hidden" env:"STRATA_GRID_OFFSET_MULTIPLIER"    help:"Dynamic size offset growth per normalized motion unit."`
	OffsetMaximum      float64       `cli:",hidden" env:"STRATA_GRID_OFFSET_MAXIMUM"       help:"Dynamic size offset cap."`
	OffsetDuration     time.Duration `cli:",hidden" env:"STRATA_GRID_OFFSET_DURATION"      help:"Time for the dynamic size offset to decay back to zero."`
	ColliderMinZoom    int           `cli:",hidden" env:"STRATA_GRID_COLLIDER_MIN_ZOOM"    help:"Lowest zoom level eligible for collider generation."`
	ColliderMaxZoom    int           `cli:",hidden" env:"STRATA_GRID_COLLIDER_MAX_ZOOM"    help:"Highest zoom level eligible for collider generation."`
	SphericalRatio     float64       `cli:",hidden" env:"STRATA_GRID_SPHERICAL_RATIO"      help:"Projection blend between flat (0) and spherical (1)."`
	StartLat           float64       `cli:",hidden" env:"STRATA_GRID_START_LAT"            help:"Initial camera latitude."`
	StartLon           float64       `cli:",hidden" env:"STRATA_GRID_START_LON"            help:"Initial camera longitude."`
	StartAlt           float64       `cli:",hidden" env:"STRATA_GRID_START_ALT"            help:"Initial camera altitude in meters."`
}

type loaderConfig struct {
	LoadInterval   time.Duration `cli:",hidden" env:"STRATA_LOADER_LOAD_INTERVAL"   help:"The delay before a newly visible cell starts loading."`
	LoadRate       float64       `cli:",hidden" env:"STRATA_LOADER_LOAD_RATE"       help:"Load starts per second across all scopes, 0 for unlimited."`
	LoadBurst      int           `cli:",hidden" env:"STRATA_LOADER_LOAD_BURST"      help:"Load start burst size."`
	RebaseDistance float64       `cli:",hidden" env:"STRATA_LOADER_REBASE_DISTANCE" help:"The camera drift in meters that triggers a floating origin rebase."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"STRATA_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"STRATA_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"STRATA_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"STRATA_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:           ":4000",
		AdminAddr:      ":18190",
		LogLevel:       logs.InfoLevel.String(),
		FrameDuration:  time.Millisecond * 15,
		DecodeWorkers:  4,
		StatusInterval: time.Second,
		Source: sourceConfig{
			DataType: datasource.DataTypeJSON.String(),
			Timeout:  time.Second * 10,
			CacheTTL: time.Hour * 24,
		},
		Grid: gridConfig{
			MinZoom:            4,
			MaxZoom:            7,
			BaseSizeMultiplier: 1.5,
			DimensionRatio:     1,
			DeadZone:           100,
			OffsetMultiplier:   1.2,
			OffsetMaximum:      1.0,
			OffsetDuration:     time.Second * 2,
			ColliderMinZoom:    6,
			ColliderMaxZoom:    7,
			SphericalRatio:     1,
			StartAlt:           5000,
		},
		Loader: loaderConfig{
			LoadInterval:   time.Millisecond * 250,
			LoadRate:       64,
			LoadBurst:      16,
			RebaseDistance: 1000,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the Strata tile streaming server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "strata",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	flags := featureflag.New(conf.FeatureFlags)

	streamingContext := loader.NewContext(loader.ContextOptions{
		FrameDuration:  conf.FrameDuration,
		DecodeWorkers:  conf.DecodeWorkers,
		RebaseDistance: conf.Loader.RebaseDistance,
		Flags:          flags,
	})
	defer streamingContext.Close()

	var cache *datasource.Cache
	if conf.Source.CachePath != "" && !flags.IsSet(featureflag.FlagDisableTileCache) {
		var err error
		cache, err = datasource.OpenCache(conf.Source.CachePath, conf.Source.CacheTTL)
		if err != nil {
			logs.Fatal(errors.New("opening tile cache failed").Wrap(err))
		}
		defer cache.Close()

		if err := cache.Prune(ctx); err != nil {
			logs.Warn(errors.New("pruning tile cache failed").Wrap(err))
		}
	}

	source := &datasource.HTTPDatasource{
		Client:     &http.Client{Transport: transport},
		Loop:       streamingContext.Loop,
		Pool:       streamingContext.Pool,
		Entities:   streamingContext.Entities,
		Cache:      cache,
		SyncDecode: flags.IsSet(featureflag.FlagSyncDecode),
	}

	sphericalRatio := conf.Grid.SphericalRatio
	if flags.IsSet(featureflag.FlagFlatProjection) {
		sphericalRatio = 0
	}

	l := loader.New(streamingContext, source, datasource.LoadParameters{
		Seed:            conf.Source.Seed,
		DataType:        datasource.ParseDataType(conf.Source.DataType),
		Timeout:         conf.Source.Timeout,
		Headers:         conf.Source.Headers,
		Endpoint:        conf.Source.Endpoint,
		FallbackValues:  []byte(conf.Source.FallbackValues),
		ColliderMinZoom: conf.Grid.ColliderMinZoom,
		ColliderMaxZoom: conf.Grid.ColliderMaxZoom,
	}, loader.Options{
		LoadInterval: conf.Loader.LoadInterval,
		LoadRate:     rate.Limit(conf.Loader.LoadRate),
		LoadBurst:    conf.Loader.LoadBurst,
	})

	camera := geo.NewTransform()
	streamingContext.Origin.Track(camera)

	tracker := grid.NewTracker("main", camera, streamingContext.Origin, grid.TrackerOptions{
		MinZoom:            conf.Grid.MinZoom,
		MaxZoom:            conf.Grid.MaxZoom,
		BaseSizeMultiplier: conf.Grid.BaseSizeMultiplier,
		DimensionRatio:     conf.Grid.DimensionRatio,
		DeadZone:           conf.Grid.DeadZone,
		OffsetMultiplier:   conf.Grid.OffsetMultiplier,
		OffsetMaximum:      conf.Grid.OffsetMaximum,
		OffsetDuration:     conf.Grid.OffsetDuration,
		ColliderMinZoom:    conf.Grid.ColliderMinZoom,
		ColliderMaxZoom:    conf.Grid.ColliderMaxZoom,
		SphericalRatio:     sphericalRatio,
	})

	var ready atomic.Bool
	go streamingContext.Run(ctx)

	streamingContext.Loop.Post(func() {
		l.AddTracker(tracker)
		l.SetFocus(tracker.ID())
		tracker.MoveTo(geo.NewCoordinate(conf.Grid.StartLat, conf.Grid.StartLon, conf.Grid.StartAlt))
		l.Start()
		ready.Store(true)
	})

	var service http.ServeMux
	service.Handle("/health", strataHTTP.HandleWithCORS(http.HandlerFunc(strataHTTP.HandleHealthCheck)))
	service.Handle("/version", strataHTTP.HandleWithCORS(strataHTTP.HandleVersion(version)))
	service.Handle("/ready", strataHTTP.HandleWithCORS(strataHTTP.HandleReadyCheck(ready.Load)))
	service.HandleFunc("/cameras", strataHTTP.VerifyAccessTokenHandler(conf.AccessToken,
		strataHTTP.HandleCameraUpdate(streamingContext.Loop, l)))
	service.Handle("/status", strataHTTP.HandleWithCORS(
		strataHTTP.HandleStatus(streamingContext.Loop, l, conf.StatusInterval,
			strataHTTP.VerifyAccessToken(conf.AccessToken))))
	service.HandleFunc("/smoke-test", strataHTTP.VerifyAccessTokenHandler(conf.AccessToken,
		smoketest.HandleSmokeTest(version)))

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", strataHTTP.HandleHealthCheck)
	admin.HandleFunc("/ready", strataHTTP.HandleReadyCheck(ready.Load))
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("source_endpoint", conf.Source.Endpoint).
		WithTag("zoom_range", fmt.Sprintf("%d-%d", conf.Grid.MinZoom, conf.Grid.MaxZoom)).
		Info("starting strata server")

	strataHTTP.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			strataHTTP.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func validateConfig(conf config) error {
	if conf.Source.Endpoint == "" {
		return errors.New("tile source endpoint is empty")
	}
	if _, err := url.ParseRequestURI(conf.Source.Endpoint); err != nil {
		return errors.New("invalid tile source endpoint").Wrap(err)
	}

	if datasource.ParseDataType(conf.Source.DataType) == datasource.DataTypeUnknown {
		return errors.New("unknown tile data type").
			WithTag("data_type", conf.Source.DataType)
	}

	if conf.Grid.MaxZoom < conf.Grid.MinZoom {
		return errors.New("grid zoom range is inverted").
			WithTag("min_zoom", conf.Grid.MinZoom).
			WithTag("max_zoom", conf.Grid.MaxZoom)
	}

	params := datasource.LoadParameters{FallbackValues: []byte(conf.Source.FallbackValues)}
	if _, err := params.ParseFallbackValues(); err != nil {
		return errors.New("invalid fallback values").Wrap(err)
	}

	return nil
}
