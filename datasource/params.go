package datasource

import (
	"strconv"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/geodrift/strata/grid"
	"github.com/segmentio/encoding/json"
)

// DataType identifies the payload kind of a tile request and selects its
// decoder.
type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeJSON
	DataTypeTexture
	DataTypeElevation
	DataTypeElevationGzip
	DataTypeVectorJSON
)

func (t DataType) String() string {
	switch t {
	case DataTypeJSON:
		return "json"
	case DataTypeTexture:
		return "texture"
	case DataTypeElevation:
		return "elevation"
	case DataTypeElevationGzip:
		return "elevation-gzip"
	case DataTypeVectorJSON:
		return "vector-json"
	default:
		return "unknown"
	}
}

func ParseDataType(s string) DataType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return DataTypeJSON
	case "texture":
		return DataTypeTexture
	case "elevation":
		return DataTypeElevation
	case "elevation-gzip":
		return DataTypeElevationGzip
	case "vector-json":
		return DataTypeVectorJSON
	default:
		return DataTypeUnknown
	}
}

// FallbackValue describes a default entity to create when authoritative
// data for a cell is absent.
type FallbackValue struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	CreateDefault bool   `json:"create_default"`
}

// LoadParameters are the per scope parameters surfaced to the datasource.
type LoadParameters struct {
	Seed     int
	DataType DataType
	Depth    int
	Timeout  time.Duration
	Headers  []string
	Endpoint string

	// JSON array of fallback value descriptors.
	FallbackValues []byte

	Index           grid.Index
	ColliderMinZoom int
	ColliderMaxZoom int
}

// ParseFallbackValues decodes the fallback value JSON. An empty document
// yields no values.
func (p LoadParameters) ParseFallbackValues() ([]FallbackValue, error) {
	if len(p.FallbackValues) == 0 {
		return nil, nil
	}

	var values []FallbackValue
	if err := json.Unmarshal(p.FallbackValues, &values); err != nil {
		return nil, errors.New("decoding fallback values failed").
			WithType(ErrTypeDecode).
			Wrap(err)
	}
	return values, nil
}

// Request renders the load parameters into a request descriptor,
// expanding the {x}, {y}, {z} and {seed} placeholders of the endpoint
// template.
func (p LoadParameters) Request() Request {
	endpoint := strings.NewReplacer(
		"{x}", strconv.FormatInt(int64(p.Index.X), 10),
		"{y}", strconv.FormatInt(int64(p.Index.Y), 10),
		"{z}", strconv.FormatInt(int64(zoomForDimensions(p.Index.W)), 10),
		"{seed}", strconv.Itoa(p.Seed),
	).Replace(p.Endpoint)

	return Request{
		Endpoint: endpoint,
		Verb:     "GET",
		Headers:  p.Headers,
		Timeout:  p.Timeout,
	}
}

// zoomForDimensions recovers the zoom level from the longitude tile
// count.
func zoomForDimensions(w int32) int {
	zoom := 0
	for w > 1 {
		w >>= 1
		zoom++
	}
	return zoom
}

// Request describes one network request: endpoint URI, HTTP verb, header
// list as name#value pairs, optional body and timeout.
type Request struct {
	Endpoint string
	Verb     string
	Headers  []string
	Body     []byte
	Timeout  time.Duration
}

// SplitHeader splits a name#value header pair. Reports false for
// malformed pairs.
func SplitHeader(h string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(h, "#")
	if !ok || name == "" {
		return "", "", false
	}
	return name, value, true
}
