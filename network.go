package driftlock

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// NetworkConfig configures the connectivity monitor.
type NetworkConfig struct {
	// ProbeURL is fetched with HEAD to decide reachability. Empty disables
	// probing; the monitor then only reflects SetOnline calls from the host
	// application (mobile platforms surface reachability natively).
	ProbeURL string `yaml:"probe_url"`

	// ProbeInterval is how often the probe runs. Default: 30s
	ProbeInterval Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds one probe. Default: 5s
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// DefaultNetworkConfig returns monitor defaults with probing disabled.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ProbeInterval: Duration(30 * time.Second),
		ProbeTimeout:  Duration(5 * time.Second),
	}
}

// NetworkMonitor tracks whether the remote is reachable. It never initiates
// synchronization itself; it only reports transitions on its channel, and the
// engine decides what to do with them.
type NetworkMonitor struct {
	config NetworkConfig
	client *http.Client

	mu     sync.Mutex
	online bool

	// transitions carries offline→online edges. Capacity 1: a pending signal
	// already means "sync when you can", more add nothing.
	transitions chan struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewNetworkMonitor creates a monitor that starts out online.
func NewNetworkMonitor(config NetworkConfig) *NetworkMonitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = Duration(30 * time.Second)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = Duration(5 * time.Second)
	}
	return &NetworkMonitor{
		config:      config,
		client:      &http.Client{Timeout: config.ProbeTimeout.Std()},
		online:      true,
		transitions: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Online reports the last observed connectivity state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Transitions delivers one signal per offline→online edge.
func (m *NetworkMonitor) Transitions() <-chan struct{} {
	return m.transitions
}

// SetOnline lets the host application report connectivity directly, e.g. from
// a platform reachability callback.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()

	if online && !wasOnline {
		select {
		case m.transitions <- struct{}{}:
		default:
		}
	}
}

// Start begins periodic probing when a probe URL is configured.
func (m *NetworkMonitor) Start() {
	if m.config.ProbeURL == "" {
		close(m.done)
		return
	}
	go m.probeLoop()
}

func (m *NetworkMonitor) probeLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.ProbeInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SetOnline(m.probe())
		}
	}
}

func (m *NetworkMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ProbeTimeout.Std())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Stop halts probing. Safe to call more than once.
func (m *NetworkMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}
