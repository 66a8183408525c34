// Package poller keeps fresh snapshots of the local gateway and the vendor
// cloud, so HTTP handlers never block on device I/O.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sigenbridge/sigenbridge/pkg/gateway"
	"github.com/sigenbridge/sigenbridge/pkg/log"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

const (
	// DefaultLocalInterval is how often the gateway is polled for its
	// Modbus service status.
	DefaultLocalInterval = 30 * time.Second

	// DefaultCloudInterval is how often the cloud telemetry is refreshed.
	DefaultCloudInterval = time.Minute
)

// GatewayClient is the part of the gateway client the local poller needs.
type GatewayClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status(ctx context.Context) (types.ModbusStatus, error)
	Serial() string
}

// CloudClient is the part of the cloud client the cloud poller needs.
type CloudClient interface {
	FetchAll(ctx context.Context) (types.CloudData, error)
	State() types.CredentialState
}

// LocalSnapshot is the most recent view of the gateway. Available is false
// until the first successful poll and whenever the last poll failed.
type LocalSnapshot struct {
	Status    types.ModbusStatus
	Serial    string
	Updated   time.Time
	Available bool
}

// Local polls the gateway over its persistent connection and reconnects with
// backoff when the transport drops.
type Local struct {
	gw       GatewayClient
	interval time.Duration

	mu   sync.RWMutex
	snap LocalSnapshot
}

// NewLocal returns a poller for gw. An interval of 0 means
// DefaultLocalInterval.
func NewLocal(gw GatewayClient, interval time.Duration) *Local {
	if interval <= 0 {
		interval = DefaultLocalInterval
	}
	return &Local{gw: gw, interval: interval}
}

// Snapshot returns the last observed gateway state.
func (l *Local) Snapshot() LocalSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Run connects to the gateway and polls it until ctx is canceled. A failed
// initial connect is returned to the caller; later transport losses are
// retried with backoff.
func (l *Local) Run(ctx context.Context) error {
	if err := l.gw.Connect(ctx); err != nil {
		return fmt.Errorf("initial gateway connect failed: %w", err)
	}
	defer l.gw.Disconnect()

	l.refresh(ctx)

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		err := l.refresh(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if !connectionError(err) {
			continue
		}

		l.gw.Disconnect()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.Duration()):
		}
		if err := l.gw.Connect(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "gateway reconnect failed", slog.Any("error", err))
			continue
		}
		log.Ctx(ctx).InfoContext(ctx, "gateway reconnected", slog.String("serial", l.gw.Serial()))
		if l.refresh(ctx) == nil {
			b.Reset()
		}
	}
}

func (l *Local) refresh(ctx context.Context) error {
	st, err := l.gw.Status(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.snap.Available = false
		log.Ctx(ctx).WarnContext(ctx, "gateway status poll failed", slog.Any("error", err))
		return err
	}
	l.snap = LocalSnapshot{
		Status:    st,
		Serial:    l.gw.Serial(),
		Updated:   time.Now(),
		Available: true,
	}
	return nil
}

func connectionError(err error) bool {
	return errors.Is(err, gateway.ErrConnectionLost) ||
		errors.Is(err, gateway.ErrNotConnected) ||
		errors.Is(err, gateway.ErrConnect)
}

// CloudSnapshot is the most recent cloud telemetry. State mirrors the
// client's credential state at the time of the last poll.
type CloudSnapshot struct {
	Data      types.CloudData
	Updated   time.Time
	Available bool
	State     types.CredentialState
}

// Cloud polls the vendor cloud for telemetry. Failures are soft: the
// snapshot is marked unavailable and the next tick tries again.
type Cloud struct {
	api      CloudClient
	interval time.Duration

	mu   sync.RWMutex
	snap CloudSnapshot
}

// NewCloud returns a poller for api. An interval of 0 means
// DefaultCloudInterval.
func NewCloud(api CloudClient, interval time.Duration) *Cloud {
	if interval <= 0 {
		interval = DefaultCloudInterval
	}
	return &Cloud{api: api, interval: interval}
}

// Snapshot returns the last observed cloud state.
func (p *Cloud) Snapshot() CloudSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Run polls the cloud until ctx is canceled. When no credentials are
// configured it returns immediately so local-only deployments work without
// a cloud account.
func (p *Cloud) Run(ctx context.Context) error {
	if p.api.State() == types.CredentialsAbsent {
		log.Ctx(ctx).InfoContext(ctx, "no cloud credentials configured, cloud polling disabled")
		p.mu.Lock()
		p.snap.State = types.CredentialsAbsent
		p.mu.Unlock()
		return nil
	}

	p.refresh(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.refresh(ctx)
		}
	}
}

func (p *Cloud) refresh(ctx context.Context) {
	data, err := p.api.FetchAll(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.State = p.api.State()
	if err != nil {
		p.snap.Available = false
		log.Ctx(ctx).WarnContext(ctx, "cloud poll failed", slog.Any("error", err))
		return
	}
	p.snap.Data = data
	p.snap.Updated = time.Now()
	p.snap.Available = true
}
