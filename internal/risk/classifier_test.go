package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/retry"
)

func classifierServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var fv FeatureVector
		if err := json.NewDecoder(r.Body).Decode(&fv); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
}

func TestHTTPClassifier_Predict(t *testing.T) {
	srv, calls := classifierServer(t, http.StatusOK, `{"probability":0.42}`)
	c := NewHTTPClassifier(srv.URL + "/").WithRetryPolicy(fastPolicy())

	p, err := c.Predict(context.Background(), FeatureVector{EntityKind: EntityActor, EntityID: "a1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.42, p, 1e-9)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClassifier_RetriesServerErrors(t *testing.T) {
	srv, calls := classifierServer(t, http.StatusBadGateway, ``)
	c := NewHTTPClassifier(srv.URL).WithRetryPolicy(fastPolicy())

	_, err := c.Predict(context.Background(), FeatureVector{})
	require.ErrorIs(t, err, faults.ErrDependencyUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClassifier_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"client error", http.StatusUnprocessableEntity, `{}`},
		{"missing probability", http.StatusOK, `{"score":0.3}`},
		{"out of range", http.StatusOK, `{"probability":1.7}`},
		{"garbage", http.StatusOK, `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := classifierServer(t, tc.status, tc.body)
			c := NewHTTPClassifier(srv.URL).WithRetryPolicy(fastPolicy())

			_, err := c.Predict(context.Background(), FeatureVector{})
			require.ErrorIs(t, err, faults.ErrDependencyUnavailable)
			assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")
		})
	}
}

func TestFeatures(t *testing.T) {
	signals := []*Signal{
		{Type: SignalFlaggedLate, Magnitude: 5},
		{Type: SignalFlaggedLate, Magnitude: 30},
		{Type: SignalRouteDeviation, Magnitude: 4800},
	}
	fv := Features(EntityActor, "a1", signals, 0.55)
	assert.Equal(t, 2, fv.SignalCounts[SignalFlaggedLate])
	assert.Equal(t, 30.0, fv.MaxLateHours)
	assert.Equal(t, 4800.0, fv.MaxDeviationMeters)
	assert.Equal(t, 0.55, fv.RuleScore)
}
