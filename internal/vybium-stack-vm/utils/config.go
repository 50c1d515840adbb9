// Package utils provides configuration and Fiat-Shamir transcript helpers
package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the configuration of an assemble-and-execute run
type Config struct {
	Execution ExecutionConfig `toml:"execution"`
	Assembler AssemblerConfig `toml:"assembler"`
	Channel   ChannelConfig   `toml:"channel"`
	Log       LogConfig       `toml:"log"`

	// Dir is the directory containing the config file (set at load time)
	Dir string `toml:"-"`
}

// ExecutionConfig bounds and instruments execution
type ExecutionConfig struct {
	MaxCycles   uint64 `toml:"max_cycles"`
	RecordTrace bool   `toml:"record_trace"`
	Verify      bool   `toml:"verify"` // check the trace against the constraint evaluator after running
}

// AssemblerConfig locates library sources and the kernel
type AssemblerConfig struct {
	LibraryPaths []string `toml:"library_paths"`
	Kernel       string   `toml:"kernel"`
}

// ChannelConfig selects the transcript hash
type ChannelConfig struct {
	HashFunction string `toml:"hash_function"` // "sha3" or "sha256"
}

// LogConfig configures commonlog
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			MaxCycles:   1 << 20,
			RecordTrace: true,
			Verify:      true,
		},
		Channel: ChannelConfig{HashFunction: HashSHA3},
		Log:     LogConfig{Verbosity: 1},
	}
}

// LoadConfig parses a TOML config file on top of DefaultConfig.
// Relative library and kernel paths are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := DefaultConfig()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	for i, p := range c.Assembler.LibraryPaths {
		c.Assembler.LibraryPaths[i] = c.resolve(p)
	}
	if c.Assembler.Kernel != "" {
		c.Assembler.Kernel = c.resolve(c.Assembler.Kernel)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Execution.MaxCycles == 0 {
		return fmt.Errorf("max cycles must be positive")
	}

	if c.Execution.Verify && !c.Execution.RecordTrace {
		return fmt.Errorf("verification requires trace recording")
	}

	if c.Channel.HashFunction != HashSHA256 && c.Channel.HashFunction != HashSHA3 {
		return fmt.Errorf("hash function must be 'sha256' or 'sha3', got '%s'", c.Channel.HashFunction)
	}

	if c.Log.Verbosity < 0 {
		return fmt.Errorf("log verbosity must not be negative")
	}

	return nil
}

// WithMaxCycles sets the cycle limit
func (c *Config) WithMaxCycles(n uint64) *Config {
	c.Execution.MaxCycles = n
	return c
}

// WithTraceRecording enables or disables trace recording
func (c *Config) WithTraceRecording(record bool) *Config {
	c.Execution.RecordTrace = record
	if !record {
		c.Execution.Verify = false
	}
	return c
}

// WithVerification enables or disables trace verification
func (c *Config) WithVerification(verify bool) *Config {
	c.Execution.Verify = verify
	if verify {
		c.Execution.RecordTrace = true
	}
	return c
}

// WithLibraryPaths sets the library search paths
func (c *Config) WithLibraryPaths(paths ...string) *Config {
	c.Assembler.LibraryPaths = append([]string(nil), paths...)
	return c
}

// WithKernel sets the kernel source path
func (c *Config) WithKernel(path string) *Config {
	c.Assembler.Kernel = path
	return c
}

// WithHashFunction sets the hash function
func (c *Config) WithHashFunction(hashFunc string) *Config {
	c.Channel.HashFunction = hashFunc
	return c
}

// WithLogVerbosity sets the log verbosity
func (c *Config) WithLogVerbosity(verbosity int) *Config {
	c.Log.Verbosity = verbosity
	return c
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	clone.Assembler.LibraryPaths = append([]string(nil), c.Assembler.LibraryPaths...)
	return &clone
}
