package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"tripot/internal/civiltime"
)

// Default returns the configuration used when a field is omitted.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":8000", CORSOrigins: []string{"*"}},
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: civiltime.DefaultZone},
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDuration(path, raw)
		check(err)
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		check(errors.New("server.addr is required"))
	}
	dur("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	dur("server.ws_write_timeout", cfg.Server.WSWriteTimeout)
	dur("server.ws_pong_wait", cfg.Server.WSPongWait)
	if cfg.Server.WSReadLimit < 0 {
		check(errors.New("server.ws_read_limit must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				check(fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
		default:
			check(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := civiltime.LoadZone(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.tick", cfg.Scheduler.Tick)
	dur("scheduler.max_catch_up", cfg.Scheduler.MaxCatchUp)
	dur("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)

	dur("session.process_timeout", cfg.Session.ProcessTimeout)
	dur("session.flush_timeout", cfg.Session.FlushTimeout)
	dur("session.write_timeout", cfg.Session.WriteTimeout)
	if cfg.Session.MaxTurnsPerMinute < 0 {
		check(errors.New("session.max_turns_per_minute must be >= 0"))
	}
	if cfg.Session.EventBuffer < 0 {
		check(errors.New("session.event_buffer must be >= 0"))
	}

	dur("collaborators.timeout", cfg.Collaborators.Timeout)
	for name, raw := range map[string]string{
		"collaborators.processor_url": cfg.Collaborators.ProcessorURL,
		"collaborators.memory_url":    cfg.Collaborators.MemoryURL,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			check(fmt.Errorf("%s: want an http(s) URL, got %q", name, raw))
		}
	}

	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Token) == "" && !IsLoopback(d.Addr) && strings.TrimSpace(d.Addr) != "" {
		check(fmt.Errorf("debug.addr %q is not loopback; set debug.token", d.Addr))
	}
	return errors.Join(errs...)
}

// IsLoopback reports whether a host:port binds only to the local machine.
func IsLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
