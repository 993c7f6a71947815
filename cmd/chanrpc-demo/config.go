package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// demoConfig is the merged configuration for the demo CLI: a flag default,
// optionally overridden by a TOML file, in turn overridden by an explicit
// flag the user actually passed.
type demoConfig struct {
	Mode      string // "server" or "client"
	Addr      string
	Path      string
	URL       string
	Origin    string
	Scope     string
	Identity  string
	Debug     bool
	DialRetry time.Duration
}

// fileConfig is the TOML shape on disk. Fields absent from the file leave
// the corresponding demoConfig value untouched, per meta.IsDefined.
type fileConfig struct {
	Mode      string `toml:"mode"`
	Addr      string `toml:"addr"`
	Path      string `toml:"path"`
	URL       string `toml:"url"`
	Origin    string `toml:"origin"`
	Scope     string `toml:"scope"`
	Identity  string `toml:"identity"`
	Debug     bool   `toml:"debug"`
	DialRetry string `toml:"dial_retry"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		Mode:   "server",
		Addr:   ":8099",
		Path:   "/chanrpc",
		Origin: "*",
		Scope:  "",
	}
}

// loadFileConfig applies path's TOML contents onto cfg, leaving any field the
// file does not mention untouched.
func loadFileConfig(path string, cfg *demoConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("chanrpc-demo: load config %q: %w", path, err)
	}

	if meta.IsDefined("mode") {
		cfg.Mode = strings.TrimSpace(raw.Mode)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("origin") {
		cfg.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("scope") {
		cfg.Scope = strings.TrimSpace(raw.Scope)
	}
	if meta.IsDefined("identity") {
		cfg.Identity = strings.TrimSpace(raw.Identity)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("dial_retry") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialRetry))
		if err != nil {
			return fmt.Errorf("chanrpc-demo: parse dial_retry: %w", err)
		}
		cfg.DialRetry = d
	}
	return nil
}
