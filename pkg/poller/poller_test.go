package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigenbridge/sigenbridge/pkg/gateway"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

type fakeGateway struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	statusErr   error
	status      types.ModbusStatus
	serial      string
}

func (g *fakeGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	return g.connectErr
}

func (g *fakeGateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnects++
	return nil
}

func (g *fakeGateway) Status(ctx context.Context) (types.ModbusStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return types.ModbusStatus{}, g.statusErr
	}
	return g.status, nil
}

func (g *fakeGateway) Serial() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serial
}

func (g *fakeGateway) setStatusErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusErr = err
}

func (g *fakeGateway) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects, g.disconnects
}

func TestLocalInitialConnectFailure(t *testing.T) {
	gw := &fakeGateway{connectErr: gateway.ErrConnect}
	l := NewLocal(gw, 10*time.Millisecond)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrConnect)
	assert.False(t, l.Snapshot().Available)
}

func TestLocalSnapshotUpdates(t *testing.T) {
	gw := &fakeGateway{
		status: types.ModbusStatus{Enabled: true, Port: 1502},
		serial: "SN42",
	}
	l := NewLocal(gw, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	snap := l.Snapshot()
	assert.True(t, snap.Status.Enabled)
	assert.Equal(t, 1502, snap.Status.Port)
	assert.Equal(t, "SN42", snap.Serial)
	assert.False(t, snap.Updated.IsZero())

	cancel()
	require.NoError(t, <-done)

	_, disconnects := gw.counts()
	assert.Equal(t, 1, disconnects)
}

func TestLocalStatusFailureMarksUnavailable(t *testing.T) {
	gw := &fakeGateway{status: types.ModbusStatus{Enabled: true, Port: 502}}
	l := NewLocal(gw, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	// a timeout is not a transport loss, the connection stays up
	gw.setStatusErr(gateway.ErrTimeout)
	require.Eventually(t, func() bool {
		return !l.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	connects, _ := gw.counts()
	assert.Equal(t, 1, connects, "timeout must not trigger a reconnect")

	cancel()
	require.NoError(t, <-done)
}

func TestLocalReconnectsAfterConnectionLoss(t *testing.T) {
	gw := &fakeGateway{status: types.ModbusStatus{Enabled: false, Port: 502}}
	l := NewLocal(gw, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	gw.setStatusErr(gateway.ErrConnectionLost)
	require.Eventually(t, func() bool {
		connects, _ := gw.counts()
		return connects >= 2
	}, 5*time.Second, 10*time.Millisecond)

	gw.setStatusErr(nil)
	require.Eventually(t, func() bool {
		return l.Snapshot().Available
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type fakeCloud struct {
	mu    sync.Mutex
	state types.CredentialState
	data  types.CloudData
	err   error
	calls int
}

func (c *fakeCloud) FetchAll(ctx context.Context) (types.CloudData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return types.CloudData{}, c.err
	}
	return c.data, nil
}

func (c *fakeCloud) State() types.CredentialState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCloud) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func TestCloudAbsentCredentials(t *testing.T) {
	api := &fakeCloud{state: types.CredentialsAbsent}
	p := NewCloud(api, 10*time.Millisecond)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 0, api.calls)
	assert.Equal(t, types.CredentialsAbsent, p.Snapshot().State)
}

func TestCloudSnapshotUpdates(t *testing.T) {
	api := &fakeCloud{
		state: types.CredentialsPresent,
		data: types.CloudData{
			EnergyFlow: types.EnergyFlow{BatterySOC: 77},
			Statistics: types.GenerationStats{Day: 9.5},
		},
	}
	p := NewCloud(api, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	snap := p.Snapshot()
	assert.Equal(t, 77.0, snap.Data.EnergyFlow.BatterySOC)
	assert.Equal(t, 9.5, snap.Data.Statistics.Day)
	assert.Equal(t, types.CredentialsPresent, snap.State)

	// soft failure: snapshot goes unavailable but the loop keeps running
	api.setErr(errors.New("backend down"))
	require.Eventually(t, func() bool {
		return !p.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	api.setErr(nil)
	require.Eventually(t, func() bool {
		return p.Snapshot().Available
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
