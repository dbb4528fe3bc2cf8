package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-monitor/internal/auth"
	"wisefido-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Logger:  zap.NewNop(),
	}, auth.NewStaticProvider(token))
	return c, &hits
}

func TestFetchRoster(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients", r.URL.Path)
		assert.Equal(t, "id-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"patient_id":"P-2","name":"Bob","status":"Stable"},
			{"patient_id":"P-1","name":"Ann","status":"CRITICAL","heart_rate":"131","spo2":88,"timestamp":"2025-03-01T10:00:00"},
			{"name":"no id"}
		]`))
	}, "id-token")

	roster, err := c.FetchRoster(context.Background())
	require.NoError(t, err)
	require.Len(t, roster, 2)

	assert.Equal(t, "P-2", roster[0].PatientID)
	assert.Equal(t, models.StatusStable, roster[0].Status)
	assert.Nil(t, roster[0].LatestVitals)

	assert.Equal(t, models.StatusCritical, roster[1].Status)
	require.NotNil(t, roster[1].LatestVitals)
	assert.Equal(t, 131.0, roster[1].LatestVitals.HeartRate)
	assert.Equal(t, 88.0, roster[1].LatestVitals.SpO2)
}

func TestFetchHistory_ReturnsOldestFirst(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients/P 1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"history":[
				{"timestamp":"2025-03-01T10:02:00","heart_rate":90},
				{"timestamp":"2025-03-01T10:01:00","heart_rate":85},
				{"timestamp":"2025-03-01T10:00:00","heart_rate":80}
			],
			"alerts":[]
		}`))
	}, "tok")

	points, err := c.FetchHistory(context.Background(), "P 1")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 80.0, points[0].HeartRate)
	assert.Equal(t, 85.0, points[1].HeartRate)
	assert.Equal(t, 90.0, points[2].HeartRate)
	assert.True(t, points[0].Timestamp.Before(points[2].Timestamp))
}

func TestFetch_EmptyCredentialSendsNoRequest(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}, "")

	_, err := c.FetchRoster(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)

	_, err = c.FetchHistory(context.Background(), "P-1")
	assert.ErrorIs(t, err, ErrAuth)

	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestFetch_NonSuccessIsNetworkError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Unauthorized"}`))
	}, "tok")

	_, err := c.FetchRoster(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "401")

	_, err = c.FetchHistory(context.Background(), "P-1")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetch_TransportErrorIsNetworkError(t *testing.T) {
	c := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, auth.NewStaticProvider("tok"))

	_, err := c.FetchRoster(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
}
