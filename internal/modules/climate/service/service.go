// Package service runs the poll pipeline: fetch a frame from each logger,
// decode it, rebuild sample times, drop out-of-range samples and commit the
// rest in one transaction per device.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"climalog/internal/config"
	"climalog/internal/device"
	"climalog/internal/modules/climate/types"
	"climalog/internal/modules/climate/validator"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	// ErrBusy is returned when a pipeline for the device is already running.
	ErrBusy = errors.New("poll already in progress")
)

type Fetcher interface {
	Fetch(ctx context.Context, ep device.Endpoint) ([]byte, error)
}

type Store interface {
	Write(ctx context.Context, source types.Source, samples []types.Sample) (int, error)
}

// Publisher receives every committed batch. Failures never fail a poll.
type Publisher interface {
	PublishBatch(ctx context.Context, source types.Source, samples []types.Sample) error
	PublishHealth(ctx context.Context, status Status) error
}

type Options struct {
	Devices     []config.Device
	Interval    time.Duration
	Timeout     time.Duration
	OnStart     bool
	Concurrency int
	Bounds      validator.Bounds
	Location    *time.Location
	Publisher   Publisher
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

func (o *Options) Validate() error {
	if len(o.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	seen := make(map[types.Source]bool, len(o.Devices))
	for _, d := range o.Devices {
		if !d.Source.Valid() {
			return fmt.Errorf("invalid source %q", d.Source)
		}
		if seen[d.Source] {
			return fmt.Errorf("duplicate source %q", d.Source)
		}
		seen[d.Source] = true
	}
	if o.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", o.Interval)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", o.Timeout)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = len(o.Devices)
	}
	if o.Bounds == (validator.Bounds{}) {
		o.Bounds = validator.DefaultBounds()
	}
	if err := o.Bounds.Validate(); err != nil {
		return err
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

type deviceState struct {
	dev    config.Device
	busy   sync.Mutex
	status Status
}

type Poller struct {
	fetcher Fetcher
	store   Store
	opts    Options
	log     *slog.Logger

	mu      sync.RWMutex
	devices []*deviceState
	index   map[types.Source]*deviceState
}

func NewPoller(fetcher Fetcher, store Store, opts Options) (*Poller, error) {
	if fetcher == nil || store == nil {
		return nil, errors.New("poller: fetcher and store are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	p := &Poller{
		fetcher: fetcher,
		store:   store,
		opts:    opts,
		log:     opts.Logger.With("component", "poller"),
		index:   make(map[types.Source]*deviceState, len(opts.Devices)),
	}
	for _, d := range opts.Devices {
		ds := &deviceState{
			dev:    d,
			status: Status{Source: d.Source, Addr: d.Addr(), State: StateIdle},
		}
		p.devices = append(p.devices, ds)
		p.index[d.Source] = ds
	}
	return p, nil
}

// Run polls every device each interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info("poller started",
		"devices", len(p.devices),
		"interval", p.opts.Interval,
		"timeout", p.opts.Timeout,
		"concurrency", p.opts.Concurrency,
	)

	if p.opts.OnStart {
		p.PollOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-ticker.Chan():
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one pipeline per device and returns the results in device
// order. A failing device never affects the others.
func (p *Poller) PollOnce(ctx context.Context) []Result {
	results := make([]Result, len(p.devices))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, ds := range p.devices {
		g.Go(func() error {
			results[i] = p.poll(ctx, ds)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	p.log.Info("poll cycle finished", "devices", len(results), "ok", ok)
	return results
}

func (p *Poller) PollSource(ctx context.Context, source types.Source) (Result, error) {
	ds, ok := p.index[source]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return p.poll(ctx, ds), nil
}

func (p *Poller) Sources() []types.Source {
	out := make([]types.Source, 0, len(p.devices))
	for _, ds := range p.devices {
		out = append(out, ds.dev.Source)
	}
	return out
}

// Status returns a snapshot per device in configuration order.
func (p *Poller) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.devices))
	for _, ds := range p.devices {
		out = append(out, ds.status)
	}
	return out
}

func (p *Poller) StatusOf(source types.Source) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ds, ok := p.index[source]
	if !ok {
		return Status{}, false
	}
	return ds.status, true
}

func (p *Poller) update(ds *deviceState, fn func(*Status)) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&ds.status)
	return ds.status
}

func (p *Poller) setState(ds *deviceState, state State) {
	p.update(ds, func(s *Status) { s.State = state })
}
