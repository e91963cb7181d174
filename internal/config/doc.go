// Package config handles configuration loading, parsing, and validation
// from environment variables and an optional config file. Every setting has
// a default except secrets and connection strings.
package config
