package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigenbridge/sigenbridge/pkg/types"
)

func newTestClient(ts *httptest.Server) *Client {
	return &Client{
		client:   ts.Client(),
		baseURL:  ts.URL,
		region:   "aus",
		username: "user@example.com",
		password: "pass",
		state:    types.CredentialsPresent,
		now:      time.Now,
	}
}

// counters tracks endpoint hits across a test server.
type counters struct {
	mu      sync.Mutex
	logins  int
	station int
	energy  int
	stats   int
}

func (c *counters) loginCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// standardHandler serves a healthy account with one station.
func standardHandler(t *testing.T, n *counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		switch r.URL.Path {
		case "/auth/oauth/token":
			n.logins++
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "password", r.Form.Get("grant_type"))
			assert.Equal(t, "server", r.Form.Get("scope"))
			assert.Equal(t, "user@example.com", r.Form.Get("username"))
			assert.Equal(t, "Basic "+basicCredential, r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"access_token": "tok-1", "expires_in": 3600},
			})
		case "/device/owner/station/home":
			n.station++
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"stationId": 2001},
			})
		case "/device/sigen/station/energyflow/async":
			n.energy++
			assert.Equal(t, "2001", r.URL.Query().Get("id"))
			assert.Equal(t, "true", r.URL.Query().Get("refreshFlag"))
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"batterySoc":   88.5,
					"batteryPower": 1500.0,
					"pvPower":      3200.0,
					"buySellPower": -700.0,
					"loadPower":    4000.0,
				},
			})
		case "/data-process/sigen/station/statistics/gains":
			n.stats++
			assert.Equal(t, "2001", r.URL.Query().Get("stationId"))
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"dayGeneration":      12.5,
					"monthGeneration":    240.0,
					"yearGeneration":     2900.0,
					"lifetimeGeneration": 8100.0,
				},
			})
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	n := &counters{}
	ts := httptest.NewServer(standardHandler(t, n))
	defer ts.Close()

	c := newTestClient(ts)
	start := time.Now()
	require.NoError(t, c.Authenticate(context.Background()))

	assert.Equal(t, "tok-1", c.token)
	assert.WithinDuration(t, start.Add(3600*time.Second), c.tokenExpiry, 5*time.Second)
	assert.Equal(t, types.CredentialsPresent, c.State())
	assert.Equal(t, 1, n.loginCount())
}

func TestAuthenticateRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 10021, "msg": "bad credentials"})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, types.CredentialsInvalid, c.State())
}

func TestAuthenticateNoToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{}})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAbsentCredentials(t *testing.T) {
	c := New("aus", "", "")
	assert.Equal(t, types.CredentialsAbsent, c.State())

	_, err := c.EnergyFlow(context.Background())
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestStationIDCached(t *testing.T) {
	n := &counters{}
	ts := httptest.NewServer(standardHandler(t, n))
	defer ts.Close()

	c := newTestClient(ts)
	id, err := c.StationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2001", id)

	id, err = c.StationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2001", id)

	n.mu.Lock()
	assert.Equal(t, 1, n.station, "station lookup should be cached")
	n.mu.Unlock()
}

func TestStationIDMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/oauth/token" {
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"access_token": "tok-1", "expires_in": 3600},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{}})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.StationID(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestFetchAll(t *testing.T) {
	n := &counters{}
	ts := httptest.NewServer(standardHandler(t, n))
	defer ts.Close()

	c := newTestClient(ts)
	data, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 88.5, data.EnergyFlow.BatterySOC)
	assert.Equal(t, 1500.0, data.EnergyFlow.BatteryPower)
	assert.Equal(t, 3200.0, data.EnergyFlow.PVPower)
	assert.Equal(t, -700.0, data.EnergyFlow.BuySellPower)
	assert.Equal(t, 4000.0, data.EnergyFlow.LoadPower)
	assert.Equal(t, 12.5, data.Statistics.Day)
	assert.Equal(t, 240.0, data.Statistics.Month)
	assert.Equal(t, 2900.0, data.Statistics.Year)
	assert.Equal(t, 8100.0, data.Statistics.Lifetime)

	assert.Equal(t, 1, n.loginCount(), "one login should cover both calls")
}

func TestFetchAllPropagatesFirstFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/oauth/token":
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"access_token": "tok-1", "expires_in": 3600},
			})
		case "/device/owner/station/home":
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"stationId": 2001},
			})
		case "/device/sigen/station/energyflow/async":
			json.NewEncoder(w).Encode(map[string]any{"code": 50000, "msg": "backend unavailable"})
		default:
			http.Error(w, "should not be reached: "+r.URL.Path, 500)
		}
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.FetchAll(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 50000, apiErr.Code)
	assert.Equal(t, "backend unavailable", apiErr.Message)
}

func TestTokenRefreshMargin(t *testing.T) {
	n := &counters{}
	ts := httptest.NewServer(standardHandler(t, n))
	defer ts.Close()

	c := newTestClient(ts)
	t0 := time.Now()
	current := t0
	c.now = func() time.Time { return current }

	require.NoError(t, c.Authenticate(context.Background()))
	require.Equal(t, 1, n.loginCount())

	// 301s of margin left: still considered valid
	current = t0.Add(3600*time.Second - 301*time.Second)
	_, err := c.EnergyFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n.loginCount(), "call outside the refresh margin must not re-authenticate")

	// 299s left: inside the 300s margin, proactive refresh
	current = t0.Add(3600*time.Second - 299*time.Second)
	_, err = c.EnergyFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n.loginCount(), "call inside the refresh margin must re-authenticate")
}

func TestAuthFailureCodeClearsToken(t *testing.T) {
	var failNext atomic.Bool
	n := &counters{}
	std := standardHandler(t, n)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/device/sigen/station/energyflow/async" && failNext.Swap(false) {
			json.NewEncoder(w).Encode(map[string]any{"code": 40100, "msg": "token expired"})
			return
		}
		std(w, r)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.EnergyFlow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n.loginCount())

	failNext.Store(true)
	_, err = c.EnergyFlow(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40100, apiErr.Code)
	assert.Empty(t, c.token, "auth-failure code must clear the cached token")

	// next call logs in again before fetching
	_, err = c.EnergyFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n.loginCount())
}
