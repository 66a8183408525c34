package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sigenbridge/sigenbridge/pkg/common"
	"github.com/sigenbridge/sigenbridge/pkg/log"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

const (
	authPath       = "/auth/oauth/token"
	stationPath    = "/device/owner/station/home"
	energyFlowPath = "/device/sigen/station/energyflow/async"
	statisticsPath = "/data-process/sigen/station/statistics/gains"
)

const (
	// DefaultRegion selects the api-<region>.sigencloud.com base URL.
	DefaultRegion = "aus"

	// tokenRefreshMargin is how close to expiry a token may get before it is
	// proactively refreshed.
	tokenRefreshMargin = 300 * time.Second

	// defaultTokenLifetime is assumed when the server omits expires_in.
	defaultTokenLifetime = 3600 * time.Second

	requestTimeout = 15 * time.Second

	// basicCredential is base64("sigen:sigen"), fixed for all accounts.
	basicCredential = "c2lnZW46c2lnZW4="

	clientVersion = "3.4.0"
)

// ErrAuthentication means the cloud rejected the credentials or returned no
// token.
var ErrAuthentication = errors.New("cloud authentication failed")

// APIError is a non-zero status code returned by a cloud endpoint.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api error (code=%d, msg=%q)", e.Code, e.Message)
}

// authFailureCode reports whether a data-call status code means the token is
// no longer accepted.
func authFailureCode(code int) bool {
	switch code {
	case 401, 40100, 40101:
		return true
	}
	return false
}

// Client talks to the vendor cloud API. It performs the password-grant token
// exchange lazily, refreshes the token before expiry, and caches the
// account's station ID for its lifetime.
type Client struct {
	client   *http.Client
	baseURL  string
	region   string
	username string
	password string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	stationID   string
	state       types.CredentialState

	now func() time.Time
}

// New returns a Client for the given region and account credentials. Empty
// credentials yield a Client in the CredentialsAbsent state whose calls all
// fail; callers should check State before polling.
func New(region, username, password string) *Client {
	if region == "" {
		region = DefaultRegion
	}
	state := types.CredentialsPresent
	if username == "" || password == "" {
		state = types.CredentialsAbsent
	}
	return &Client{
		client:   common.HTTPClient(requestTimeout),
		baseURL:  "https://api-" + region + ".sigencloud.com",
		region:   region,
		username: username,
		password: password,
		state:    state,
		now:      time.Now,
	}
}

// State returns the current credential capability.
func (c *Client) State() types.CredentialState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the underlying HTTP resources.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// Authenticate performs the password-grant exchange and stores the token
// with its absolute expiry.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticate(ctx)
}

// authenticate must be called with c.mu held.
func (c *Client) authenticate(ctx context.Context) error {
	if c.state == types.CredentialsAbsent {
		return fmt.Errorf("%w: no credentials configured", ErrAuthentication)
	}

	millis := strconv.FormatInt(c.now().UnixMilli(), 10)
	form := url.Values{}
	form.Set("scope", "server")
	form.Set("grant_type", "password")
	form.Set("userDeviceId", millis)
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+authPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+basicCredential)

	log.Ctx(ctx).DebugContext(ctx, "authenticating to cloud", slog.String("username", c.username))
	res, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if res.Code != 0 {
		c.state = types.CredentialsInvalid
		return fmt.Errorf("%w: server rejected login (code=%d, msg=%q)", ErrAuthentication, res.Code, res.Msg)
	}

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return fmt.Errorf("%w: bad token payload: %v", ErrAuthentication, err)
		}
	}
	if data.AccessToken == "" {
		return fmt.Errorf("%w: no access_token in response", ErrAuthentication)
	}

	lifetime := defaultTokenLifetime
	if data.ExpiresIn > 0 {
		lifetime = time.Duration(data.ExpiresIn) * time.Second
	}
	c.token = data.AccessToken
	c.tokenExpiry = c.now().Add(lifetime)
	c.state = types.CredentialsPresent
	log.Ctx(ctx).InfoContext(ctx, "cloud authentication succeeded",
		slog.Time("tokenExpiry", c.tokenExpiry))
	return nil
}

// ensureAuthenticated re-authenticates when no token is held or the token is
// within the refresh margin of expiry. Must be called with c.mu held.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return nil
	}
	return c.authenticate(ctx)
}

// StationID resolves the account's station ID, caching it for the Client's
// lifetime.
func (c *Client) StationID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stationIDLocked(ctx)
}

func (c *Client) stationIDLocked(ctx context.Context) (string, error) {
	if c.stationID != "" {
		return c.stationID, nil
	}
	if err := c.ensureAuthenticated(ctx); err != nil {
		return "", err
	}

	var data struct {
		StationID json.Number `json:"stationId"`
	}
	if err := c.getJSON(ctx, stationPath, nil, &data); err != nil {
		return "", fmt.Errorf("station lookup failed: %w", err)
	}
	id := data.StationID.String()
	if id == "" {
		return "", &APIError{Message: "no stationId in response"}
	}
	c.stationID = id
	log.Ctx(ctx).DebugContext(ctx, "resolved cloud station", slog.String("stationID", id))
	return id, nil
}

// EnergyFlow fetches the station's live energy-flow telemetry.
func (c *Client) EnergyFlow(ctx context.Context) (types.EnergyFlow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureAuthenticated(ctx); err != nil {
		return types.EnergyFlow{}, err
	}
	id, err := c.stationIDLocked(ctx)
	if err != nil {
		return types.EnergyFlow{}, err
	}

	params := url.Values{}
	params.Set("id", id)
	params.Set("refreshFlag", "true")

	var flow types.EnergyFlow
	if err := c.getJSON(ctx, energyFlowPath, params, &flow); err != nil {
		return types.EnergyFlow{}, fmt.Errorf("energy flow failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "cloud energy flow",
		slog.Float64("batterySoc", flow.BatterySOC),
		slog.Float64("batteryPower", flow.BatteryPower),
		slog.Float64("pvPower", flow.PVPower),
		slog.Float64("buySellPower", flow.BuySellPower),
		slog.Float64("loadPower", flow.LoadPower),
	)
	return flow, nil
}

// Statistics fetches the station's cumulative generation totals.
func (c *Client) Statistics(ctx context.Context) (types.GenerationStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureAuthenticated(ctx); err != nil {
		return types.GenerationStats{}, err
	}
	id, err := c.stationIDLocked(ctx)
	if err != nil {
		return types.GenerationStats{}, err
	}

	params := url.Values{}
	params.Set("stationId", id)

	var stats types.GenerationStats
	if err := c.getJSON(ctx, statisticsPath, params, &stats); err != nil {
		return types.GenerationStats{}, fmt.Errorf("statistics failed: %w", err)
	}
	return stats, nil
}

// FetchAll composes both telemetry calls into one aggregate result,
// propagating the first failure.
func (c *Client) FetchAll(ctx context.Context) (types.CloudData, error) {
	flow, err := c.EnergyFlow(ctx)
	if err != nil {
		return types.CloudData{}, err
	}
	stats, err := c.Statistics(ctx)
	if err != nil {
		return types.CloudData{}, err
	}
	return types.CloudData{EnergyFlow: flow, Statistics: stats}, nil
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// getJSON issues an authenticated GET and decodes the data payload into
// dest. A recognized authentication-failure code clears the cached token so
// the next call re-authenticates. Must be called with c.mu held and a valid
// token.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	c.setBearerHeaders(req)

	res, err := c.do(req)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		if authFailureCode(res.Code) {
			log.Ctx(ctx).DebugContext(ctx, "cloud token no longer accepted", slog.Int("code", res.Code))
			c.token = ""
		}
		return &APIError{Code: res.Code, Message: res.Msg}
	}
	if dest != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, dest); err != nil {
			return fmt.Errorf("failed to decode cloud payload: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, err
	}

	var res apiResponse
	if err := json.Unmarshal(body, &res); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode cloud response",
			slog.Any("error", err), slog.String("body", string(body)))
		return apiResponse{}, err
	}
	return res, nil
}

// setCommonHeaders applies the fixed client-identification headers the cloud
// expects on every request.
func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", "https://app-"+c.region+".sigencloud.com")
	req.Header.Set("Referer", "https://app-"+c.region+".sigencloud.com/")
	req.Header.Set("Lang", "en_US")
	req.Header.Set("Sg-Bui", "1")
	req.Header.Set("Sg-Env", "1")
	req.Header.Set("Sg-Pkg", "sigen_app")
	req.Header.Set("Version", "RELEASE")
	req.Header.Set("Client-Server", c.region)
	req.Header.Set("Auth-Client-Id", "sigen")
	req.Header.Set("Sg-V", clientVersion)
	req.Header.Set("Sg-Ts", strconv.FormatInt(c.now().UnixMilli(), 10))
}

func (c *Client) setBearerHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("TENANT-ID", "1")
}
