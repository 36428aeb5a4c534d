package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsAreExposedOnPrivateRegistry(t *testing.T) {
	first := New()
	second := New()

	first.RecordWorkflow("default", "publish", "success", 10*time.Millisecond)
	first.RecordMigration("migrated", 3)
	second.RecordSweep()

	recorder := httptest.NewRecorder()
	first.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := recorder.Body.String()

	if !strings.Contains(body, `hippo_workflow_invocations_total{category="default",operation="publish",outcome="success"} 1`) {
		t.Fatalf("expected workflow counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, `hippo_migration_instances_total{outcome="migrated"} 3`) {
		t.Fatalf("expected migration counter in exposition")
	}
	if strings.Contains(body, "hippo_initialize_sweeps_total 1") {
		t.Fatalf("expected registries to be independent")
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordWorkflow("default", "publish", "success", time.Second)
	m.RecordInitializeItem("done")
	m.TrackInFlight()()
}
