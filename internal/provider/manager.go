package provider

import (
	"fmt"
	"sync"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/retry"
	"go.uber.org/zap"
)

// Factory builds a sender from an already merged driver config.
type Factory func(cfg DriverConfig) (Sender, error)

// ManagerConfig is everything the manager needs to build built-in drivers.
type ManagerConfig struct {
	DefaultDriver string
	Drivers       map[string]DriverConfig
	Retry         retry.Policy
	Breaker       BreakerConfig
}

// Manager resolves driver names to senders. Registered extensions take
// precedence over built-in drivers and can be registered once per name.
type Manager struct {
	defaultDriver string
	configs       map[string]DriverConfig
	policy        retry.Policy
	breakerConfig BreakerConfig
	logger        *zap.Logger

	mu         sync.RWMutex
	extensions map[string]Factory
	breakers   map[string]*Breaker
	senders    map[string]Sender
}

func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	defaultDriver := domain.NormalizeDriver(cfg.DefaultDriver)
	if defaultDriver == "" {
		defaultDriver = domain.DriverTwilio
	}

	configs := make(map[string]DriverConfig, len(cfg.Drivers))
	for name, driverCfg := range cfg.Drivers {
		configs[domain.NormalizeDriver(name)] = driverCfg
	}

	return &Manager{
		defaultDriver: defaultDriver,
		configs:       configs,
		policy:        cfg.Retry,
		breakerConfig: cfg.Breaker,
		logger:        logger,
		extensions:    make(map[string]Factory),
		breakers:      make(map[string]*Breaker),
		senders:       make(map[string]Sender),
	}
}

func (m *Manager) DefaultDriver() string { return m.defaultDriver }

// Extend registers a factory for name. A second registration for the same
// name fails with ErrDriverAlreadyRegistered.
func (m *Manager) Extend(name string, factory Factory) error {
	key := domain.NormalizeDriver(name)
	if key == "" {
		return fmt.Errorf("%w: driver name is required", domain.ErrValidation)
	}
	if factory == nil {
		return fmt.Errorf("%w: driver factory is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.extensions[key]; exists {
		return fmt.Errorf("%w: driver '%s' already registered", ErrDriverAlreadyRegistered, key)
	}
	m.extensions[key] = factory
	delete(m.senders, key)
	return nil
}

// Sender resolves name (or the default driver when empty) using its
// configured settings. Instances are cached per driver.
func (m *Manager) Sender(name string) (Sender, error) {
	key := m.resolveName(name)

	m.mu.RLock()
	cached, ok := m.senders[key]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	sender, err := m.build(key, m.Config(key))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.senders[key]; ok {
		return existing, nil
	}
	m.senders[key] = sender
	return sender, nil
}

// SenderFor builds a call-scoped sender from the driver's config merged with
// override. The shared config is never modified.
func (m *Manager) SenderFor(name string, override DriverConfig) (Sender, error) {
	if override.IsZero() {
		return m.Sender(name)
	}
	key := m.resolveName(name)
	return m.build(key, m.Config(key).Merge(override))
}

// SenderWithConfig builds a call-scoped sender from cfg alone. The driver's
// persistent config is not consulted.
func (m *Manager) SenderWithConfig(name string, cfg DriverConfig) (Sender, error) {
	return m.build(m.resolveName(name), cfg)
}

// Supports reports whether name resolves to a built-in driver or a
// registered extension.
func (m *Manager) Supports(name string) bool {
	key := m.resolveName(name)
	switch key {
	case domain.DriverTwilio, domain.DriverTelnyx:
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.extensions[key]
	return ok
}

// Config returns a copy of the persistent config for name.
func (m *Manager) Config(name string) DriverConfig {
	key := m.resolveName(name)
	return m.configs[key].Merge(DriverConfig{})
}

// ResolveName applies the default driver and normalization.
func (m *Manager) ResolveName(name string) string {
	return m.resolveName(name)
}

func (m *Manager) resolveName(name string) string {
	if key := domain.NormalizeDriver(name); key != "" {
		return key
	}
	return m.defaultDriver
}

func (m *Manager) build(key string, cfg DriverConfig) (Sender, error) {
	m.mu.RLock()
	factory, ok := m.extensions[key]
	m.mu.RUnlock()
	if ok {
		return factory(cfg)
	}

	switch key {
	case domain.DriverTwilio:
		return NewTwilioSender(cfg, m.policy, m.breaker(key), m.logger)
	case domain.DriverTelnyx:
		return NewTelnyxSender(cfg, m.policy, m.breaker(key), m.logger)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, key)
}

// breaker is shared by every sender of a driver so call-scoped instances
// see the same failure history.
func (m *Manager) breaker(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, m.breakerConfig, m.logger)
	m.breakers[key] = b
	return b
}
