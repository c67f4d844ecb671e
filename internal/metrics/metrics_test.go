package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(QueueDeadLetters.WithLabelValues("analysis-queue"))
	RecordDeadLetter("analysis-queue")
	if got := testutil.ToFloat64(QueueDeadLetters.WithLabelValues("analysis-queue")); got != before+1 {
		t.Fatalf("dead letters = %v, want %v", got, before+1)
	}

	RecordTokens("keywords", 10, 0)
	if got := testutil.ToFloat64(AgentTokens.WithLabelValues("keywords", "in")); got < 10 {
		t.Fatalf("tokens in = %v", got)
	}
	RecordAPIRequest("GET", "", 200, 5*time.Millisecond)
	if got := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "unmatched", "200")); got < 1 {
		t.Fatalf("api requests = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordAnalysis("complete")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "analysis_jobs_total") {
		t.Fatalf("metrics output missing analysis_jobs_total")
	}
}
