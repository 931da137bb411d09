package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRecordsAndServes(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Enabled())

	m.RecordPolicyOperation("trim", 3)
	m.RecordPolicyOperation("migrate", 0)
	m.RecordPolicyRunDuration(250 * time.Millisecond)
	m.RecordPolicyFailures(1)
	m.RecordRetrieval("thread", 2*time.Millisecond)
	m.RecordClusterRebuild("u1", 4)
	m.RecordStoreError("query")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "memoric_policy_operations_total")
	assert.Contains(t, body, "memoric_retrievals_total")
	assert.Contains(t, body, "memoric_cluster_rebuilds_total")
	assert.Contains(t, body, "memoric_store_errors_total")
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()
	assert.False(t, m.Enabled())

	// Records are dropped without panicking.
	m.RecordPolicyOperation("trim", 1)
	m.RecordRetrieval("user", time.Millisecond)
	m.RecordStoreError("insert")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
