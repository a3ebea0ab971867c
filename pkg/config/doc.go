// Package config loads and validates the typed daemon configuration.
package config
