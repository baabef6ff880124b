package smoketest

import (
	"io"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/datasource"
	"github.com/segmentio/encoding/json"
)

// Request is the smoke test trigger payload. All fields are optional;
// an empty endpoint runs against the internal stub source.
type Request struct {
	Endpoint string   `json:"endpoint"`
	DataType string   `json:"data_type"`
	Headers  []string `json:"headers"`
	Timeout  int      `json:"timeout_seconds"`
}

// HandleSmokeTest runs a smoke test and writes its results. The run is
// synchronous; the request deadline bounds it.
func HandleSmokeTest(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// An empty body runs with defaults.
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		results := Run(r.Context(), Options{
			Endpoint: req.Endpoint,
			DataType: datasource.ParseDataType(req.DataType),
			Headers:  req.Headers,
			Timeout:  time.Duration(req.Timeout) * time.Second,
		})

		logs.WithTag("version", version).
			WithTag("passed", results.Passed).
			WithTag("scopes_loaded", results.ScopesLoaded).
			Info("smoke test done")

		w.Header().Set("Content-Type", "application/json")
		if !results.Passed {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(results)
	}
}
