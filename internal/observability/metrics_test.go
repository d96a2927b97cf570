package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := gatheredCounter(t, "chorus_ledger_operations_total", "claim_prayer")
	RecordLedgerOp("claim_prayer", "ok", 3*time.Millisecond)
	if got := gatheredCounter(t, "chorus_ledger_operations_total", "claim_prayer"); got != before+1 {
		t.Fatalf("expected counter to advance from %v, got %v", before, got)
	}
	RecordEscrowPaid(33)
	RecordEscrowRefunded(1)
	RecordHTTPRequest("GET", "/v0/health", 200, 12*time.Millisecond)
	RecordWebhookDelivery(true)
}

func TestRequestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := chi.NewRouter()
	r.Use(RequestLogger(logger), RequestMetrics)
	r.Get("/prayers/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prayers/9", nil))
	line := buf.String()
	if !strings.Contains(line, `"level":"warn"`) {
		t.Fatalf("expected warn line, got %s", line)
	}
	if !strings.Contains(line, `"path":"/prayers/{id}"`) {
		t.Fatalf("expected route pattern in log, got %s", line)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Fatalf("expected debug")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel || ParseLevel("") != zerolog.InfoLevel {
		t.Fatalf("expected info fallback")
	}
}

func gatheredCounter(t *testing.T, name, op string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "op" && lp.GetValue() == op {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
