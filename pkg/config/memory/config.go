package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/code-payments/payments-engine/pkg/config"
)

var errDeveloperInduced = errors.New("in memory config: developer induced error")

type state struct {
	value    interface{}
	err      error
	shutdown bool
}

// Config is a mutable config.Config for tests. A nil value reads as unset.
type Config struct {
	mu    sync.RWMutex
	state state
}

func NewConfig(value interface{}) *Config {
	return &Config{state: state{value: value}}
}

// Get implements config.Config.Get
func (c *Config) Get(_ context.Context) (interface{}, error) {
	c.mu.RLock()
	s := c.state
	c.mu.RUnlock()

	switch {
	case s.shutdown:
		return nil, config.ErrShutdown
	case s.err != nil:
		return nil, s.err
	case s.value == nil:
		return nil, config.ErrNoValue
	}
	return s.value, nil
}

// Shutdown implements config.Config.Shutdown
func (c *Config) Shutdown() {
	c.update(func(s *state) { s.shutdown = true })
}

func (c *Config) SetValue(value interface{}) {
	c.update(func(s *state) { s.value = value })
}

// ClearValue makes subsequent reads return config.ErrNoValue
func (c *Config) ClearValue() {
	c.SetValue(nil)
}

// InduceErrors makes subsequent reads fail until StopInducingErrors
func (c *Config) InduceErrors() {
	c.update(func(s *state) { s.err = errDeveloperInduced })
}

func (c *Config) StopInducingErrors() {
	c.update(func(s *state) { s.err = nil })
}

func (c *Config) update(fn func(s *state)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}
