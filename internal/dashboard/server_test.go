package dashboard

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	status  Status
	streams map[string]StreamStatus
}

func (f fakeProvider) Status() Status { return f.status }

func (f fakeProvider) StreamStatus(streamID string) (StreamStatus, bool) {
	s, ok := f.streams[streamID]
	return s, ok
}

func newTestServer(authToken string) (*Server, fakeProvider) {
	provider := fakeProvider{
		status: Status{
			RunID:           "run-1",
			CanonicalMarket: "ES",
			TradingDate:     "2026-07-29",
			RecoveryState:   "CONNECTED_OK",
			Mode:            "DRYRUN",
			LockHeld:        true,
			Streams: []StreamStatus{
				{StreamID: "ES1-0930-ORH", Phase: "ARMED", Committed: false},
			},
		},
		streams: map[string]StreamStatus{
			"ES1-0930-ORH": {StreamID: "ES1-0930-ORH", Phase: "ARMED", Committed: false},
		},
	}
	return NewServer(Config{Port: 0, AuthToken: authToken}, provider, nil), provider
}

func TestHealthz_AlwaysPublic(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_RequiresAuthTokenWhenConfigured(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus_AcceptsHeaderToken(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ES1-0930-ORH")
}

func TestStatus_AcceptsQueryToken(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/status?token=secret", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_RejectsWrongToken(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Auth-Token", "wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus_NoAuthTokenConfiguredAllowsAllRequests(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamStatus_UnknownIDReturnsNotFound(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/streams/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamStatus_KnownIDReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/streams/ES1-0930-ORH", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ARMED")
}

func TestRedactTokenFromURL_RedactsTokenAndAuthToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status?token=secret&auth_token=other&x=1", nil)
	redacted := redactTokenFromURL(req.URL)
	assert.NotContains(t, redacted.String(), "secret")
	assert.NotContains(t, redacted.String(), "other")
	assert.Contains(t, redacted.String(), "x=1")
}
