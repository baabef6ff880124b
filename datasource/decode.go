package datasource

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/segmentio/encoding/json"
)

// Texture is an opaque encoded image payload. Pixel decoding is left to
// the render collaborator; only the container format is sniffed here.
type Texture struct {
	Format string
	Data   []byte
}

// Elevation is a square grid of height samples.
type Elevation struct {
	Size    int
	Samples []float64
}

// Feature is one decoded vector feature.
type Feature struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

// FeatureCollection is the decoded form of JSON and vector payloads.
type FeatureCollection struct {
	Features []Feature `json:"features"`
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Decode converts raw payload bytes into the decoded object for the given
// data type. It is a pure function and never panics on malformed input;
// failures resolve to a decode error.
func Decode(dataType DataType, data []byte) (any, error) {
	switch dataType {
	case DataTypeJSON, DataTypeVectorJSON:
		return decodeFeatures(data)

	case DataTypeTexture:
		return decodeTexture(data)

	case DataTypeElevation:
		return decodeElevation(data)

	case DataTypeElevationGzip:
		raw, err := gunzip(data)
		if err != nil {
			return nil, err
		}
		return decodeElevation(raw)

	default:
		return nil, errors.New("no decoder for data type").
			WithType(ErrTypeUnknownDataType).
			WithTag("data_type", dataType.String())
	}
}

func decodeFeatures(data []byte) (*FeatureCollection, error) {
	var collection FeatureCollection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, errors.New("decoding feature json failed").
			WithType(ErrTypeDecode).
			Wrap(err)
	}
	return &collection, nil
}

func decodeTexture(data []byte) (*Texture, error) {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return &Texture{Format: "png", Data: data}, nil
	case bytes.HasPrefix(data, jpegMagic):
		return &Texture{Format: "jpeg", Data: data}, nil
	default:
		return nil, errors.New("unrecognized texture container").
			WithType(ErrTypeDecode).
			WithTag("payload_size", len(data))
	}
}

// decodeElevation parses a little endian float32 sample grid. The payload
// must hold a square number of samples.
func decodeElevation(data []byte) (*Elevation, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, errors.New("elevation payload is not a float32 grid").
			WithType(ErrTypeDecode).
			WithTag("payload_size", len(data))
	}

	count := len(data) / 4
	size := int(math.Sqrt(float64(count)))
	if size*size != count {
		return nil, errors.New("elevation sample count is not square").
			WithType(ErrTypeDecode).
			WithTag("sample_count", count)
	}

	samples := make([]float64, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = float64(math.Float32frombits(bits))
	}

	return &Elevation{Size: size, Samples: samples}, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New("opening gzip payload failed").
			WithType(ErrTypeDecode).
			Wrap(err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("decompressing payload failed").
			WithType(ErrTypeDecode).
			Wrap(err)
	}
	return raw, nil
}
