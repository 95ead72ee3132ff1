package wire

import (
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls how radio-like the socket transport behaves
type SimulationConfig struct {
	// Connection establishment
	MinConnectionDelay    time.Duration // Default: 30ms
	MaxConnectionDelay    time.Duration // Default: 100ms
	ConnectionFailureRate float64       // Default: 0.016

	// How often a scanning device sweeps for advertisements
	AdvertisingInterval time.Duration // Default: 500ms

	// RSSI seen by a scanner: BaseRSSI ± RSSIVariance. A device may publish its
	// own base in its advertising record to simulate distance.
	BaseRSSI     int // Default: -25 dBm (close, not touching)
	RSSIVariance int // Default: 5 dBm

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinConnectionDelay:    30 * time.Millisecond,
		MaxConnectionDelay:    100 * time.Millisecond,
		ConnectionFailureRate: 0.016,
		AdvertisingInterval:   500 * time.Millisecond,
		BaseRSSI:              -25,
		RSSIVariance:          5,
	}
}

// PerfectSimulationConfig returns a reliable, fast, reproducible config for tests
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 20 * time.Millisecond
	cfg.RSSIVariance = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator draws the random parts of radio behavior. Safe for concurrent use.
type Simulator struct {
	config *SimulationConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}
	seed := time.Now().UnixNano()
	if config.Deterministic {
		seed = config.Seed
	}
	return &Simulator{config: config, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Config() *SimulationConfig { return s.config }

func (s *Simulator) ShouldConnectionSucceed() bool {
	if s.config.ConnectionFailureRate <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

func (s *Simulator) ConnectionDelay() time.Duration {
	lo, hi := s.config.MinConnectionDelay, s.config.MaxConnectionDelay
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

// RSSI returns one sighting's signal strength around base (the configured
// BaseRSSI when base is 0), clamped to [-100, 0] dBm.
func (s *Simulator) RSSI(base int) int {
	if base == 0 {
		base = s.config.BaseRSSI
	}
	rssi := base
	if v := s.config.RSSIVariance; v > 0 {
		s.mu.Lock()
		rssi += s.rng.Intn(2*v+1) - v
		s.mu.Unlock()
	}
	if rssi < -100 {
		rssi = -100
	} else if rssi > 0 {
		rssi = 0
	}
	return rssi
}
