// Package connectivity tracks whether the network is reachable and notifies
// subscribers on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayq/relay/pkg/logging"
)

// Monitor reports the current connectivity state and notifies subscribers
// when it changes
type Monitor interface {
	// IsOnline returns true when the network is believed reachable
	IsOnline() bool
	// Subscribe registers a callback invoked on every state transition
	Subscribe(fn func(online bool))
}

// Manual is a Monitor whose state is driven externally, by tests or by a
// caller that receives connectivity events from the platform.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

// NewManual creates a manual monitor with the given initial state
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetOnline updates the state, notifying subscribers only on a transition
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// ProbeFunc checks reachability, returning nil when the network is up
type ProbeFunc func(ctx context.Context) error

// ProberConfig contains probe-based monitor configuration
type ProberConfig struct {
	// Interval between reachability probes
	Interval time.Duration
	// Timeout applied to each probe
	Timeout time.Duration
	// InitialOnline is the assumed state before the first probe completes
	InitialOnline bool
}

// DefaultProberConfig returns default prober configuration
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:      10 * time.Second,
		Timeout:       3 * time.Second,
		InitialOnline: true,
	}
}

// Prober is a Monitor that derives connectivity from periodic reachability
// probes.
type Prober struct {
	manual *Manual
	config ProberConfig
	probe  ProbeFunc
	clock  clock.Clock
	logger *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProber creates a probe-based monitor. Start must be called to begin
// probing.
func NewProber(config ProberConfig, probe ProbeFunc, clk clock.Clock, logger *logging.Logger) *Prober {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Prober{
		manual: NewManual(config.InitialOnline),
		config: config,
		probe:  probe,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *Prober) IsOnline() bool {
	return p.manual.IsOnline()
}

func (p *Prober) Subscribe(fn func(online bool)) {
	p.manual.Subscribe(fn)
}

// Start launches the probe loop
func (p *Prober) Start() {
	go p.loop()
}

// Stop halts probing and waits for the loop to exit
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}

func (p *Prober) loop() {
	defer close(p.doneCh)

	ticker := p.clock.Ticker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runProbe()
		}
	}
}

func (p *Prober) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	err := p.probe(ctx)
	online := err == nil

	if online != p.manual.IsOnline() {
		p.logger.Info("Connectivity changed",
			"online", online,
		)
	}
	p.manual.SetOnline(online)
}
