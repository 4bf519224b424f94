package engine

import "fmt"

// Config contains configuration for the policy interpreter.
type Config struct {
	// MaxSteps is the number of instructions one execution may run before it
	// fails with a StepLimitError. The guard is count-based, never time-based.
	// Default: 10000.
	MaxSteps int

	// MaxCallDepth bounds nested user-function calls.
	// Default: 64.
	MaxCallDepth int

	// MaxPatternLength is the longest regex pattern matches accepts.
	// Default: 256.
	MaxPatternLength int

	// MaxMatchInputLength is the longest input matches evaluates.
	// Default: 8192.
	MaxMatchInputLength int

	// PatternCacheSize caps the number of compiled patterns kept in memory.
	// Default: 256.
	PatternCacheSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSteps:            10000,
		MaxCallDepth:        64,
		MaxPatternLength:    256,
		MaxMatchInputLength: 8192,
		PatternCacheSize:    256,
	}
}

// Validate validates the engine configuration.
func (c *Config) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("%w: max steps must be positive", ErrInvalidConfig)
	}
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("%w: max call depth must be positive", ErrInvalidConfig)
	}
	if c.MaxPatternLength <= 0 {
		return fmt.Errorf("%w: max pattern length must be positive", ErrInvalidConfig)
	}
	if c.MaxMatchInputLength <= 0 {
		return fmt.Errorf("%w: max match input length must be positive", ErrInvalidConfig)
	}
	if c.PatternCacheSize < 0 {
		return fmt.Errorf("%w: pattern cache size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// WithMaxSteps sets the step limit.
func (c *Config) WithMaxSteps(max int) *Config {
	c.MaxSteps = max
	return c
}

// WithMaxCallDepth sets the call depth limit.
func (c *Config) WithMaxCallDepth(max int) *Config {
	c.MaxCallDepth = max
	return c
}

// WithRegexLimits sets the pattern and input caps used by matches.
func (c *Config) WithRegexLimits(maxPattern, maxInput int) *Config {
	c.MaxPatternLength = maxPattern
	c.MaxMatchInputLength = maxInput
	return c
}
