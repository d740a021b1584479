package config

import (
	internalconfig "github.com/SmitUplenchwar2687/Bastion/internal/config"
)

// Config is the top-level Bastion configuration.
type Config = internalconfig.Config

// Stack is a wired admission stack built from a Config.
type Stack = internalconfig.Stack

// Default returns a Config with sensible defaults.
func Default() Config {
	return internalconfig.Default()
}

// LoadFile reads a YAML or JSON config, merging it over the defaults.
func LoadFile(path string) (Config, error) {
	return internalconfig.LoadFile(path)
}

// LoadEnv applies environment overrides to cfg, first loading files
// (default .env.local and .env) when present.
func LoadEnv(cfg *Config, files ...string) error {
	return internalconfig.LoadEnv(cfg, files...)
}

// WriteExample writes an example config to path.
func WriteExample(path string) error {
	return internalconfig.WriteExample(path)
}
