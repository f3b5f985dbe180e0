// Package config provides configuration management for Glassbox.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.glassbox/config.yaml and is automatically
// created with sensible defaults on first use. The file structure mirrors
// the Go structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the GLASSBOX_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - GLASSBOX_LOGGING_LEVEL=debug
//   - GLASSBOX_TRACES_BACKEND=sqlite
//   - GLASSBOX_TRACES_DIR=/var/lib/glassbox/traces
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.EnsureDirectories(); err != nil {
//	    log.Fatal(err)
//	}
package config
