package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tripot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"server":        true,
	"storage":       true,
	"collaborators": true,
}

// Summarize lists the changed top-level sections and safe log fields
// describing the new values. URLs are reported as set/unset only.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.cors_origins", len(newCfg.Server.CORSOrigins)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.SplitN(storageKey(newCfg.Storage), "|", 2)[0]))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick))
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.process_timeout", newCfg.Session.ProcessTimeout),
			logx.Int("session.max_turns_per_minute", newCfg.Session.MaxTurnsPerMinute))
	}
	if !reflect.DeepEqual(oldCfg.Collaborators, newCfg.Collaborators) {
		changed = append(changed, "collaborators")
		attrs = append(attrs,
			logx.Bool("collaborators.processor_set", strings.TrimSpace(newCfg.Collaborators.ProcessorURL) != ""),
			logx.Bool("collaborators.memory_set", strings.TrimSpace(newCfg.Collaborators.MemoryURL) != ""),
			logx.Int("collaborators.prompt_paths", len(newCfg.Collaborators.PromptPaths)))
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""))
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections down to the ones a reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func storageKey(s *StorageConfig) string {
	if s == nil {
		return "memory"
	}
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		d = "memory"
	}
	return d + "|" + strings.TrimSpace(s.Path) + "|" + strings.TrimSpace(s.BusyTimeout)
}
