// Package config provides centralized configuration management for the
// proof pipeline daemon: the JSON configuration file, typed accessors and
// default values for every subsystem (server, storage, queue, artifacts,
// proving backend and pipeline parameters).
package config
