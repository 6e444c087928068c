package manager

import "time"

// Config controls the shared object array and operation timing.
type Config struct {
	// NumObjects is the size of the shared object array.
	NumObjects int `yaml:"num_objects"`
	// InitialValue is the starting value of every object.
	InitialValue int64 `yaml:"initial_value"`
	// ReadDelta and WriteDelta are applied to an object's value by a granted
	// read or write.
	ReadDelta  int64 `yaml:"read_delta"`
	WriteDelta int64 `yaml:"write_delta"`
	// OpDelay is the simulated service time of a read or write whose
	// operation carries no delay of its own.
	OpDelay time.Duration `yaml:"op_delay"`
	// MaxLocks bounds the number of lock table entries. 0 means unbounded.
	MaxLocks int `yaml:"max_locks"`
}

// DefaultConfig returns the settings used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		NumObjects: 100,
		ReadDelta:  -4,
		WriteDelta: 7,
	}
}

func (c *Config) setDefaults() {
	if c.NumObjects <= 0 {
		c.NumObjects = 100
	}
	if c.OpDelay < 0 {
		c.OpDelay = 0
	}
	if c.MaxLocks < 0 {
		c.MaxLocks = 0
	}
}
