// Package config loads the daemon configuration from JSON or YAML, validates
// it and watches the file for hot reloads.
package config

// Config is the on-disk shape. All durations are Go duration strings
// ("250ms", "20s", "5m"); empty means the component default.
type Config struct {
	Server        ServerConfig    `json:"server"`
	Logging       LoggingConfig   `json:"logging"`
	Storage       *StorageConfig  `json:"storage,omitempty"`
	Scheduler     SchedulerConfig `json:"scheduler"`
	Session       SessionConfig   `json:"session"`
	Collaborators CollabConfig    `json:"collaborators"`
	Debug         DebugConfig     `json:"debug"`
}

// ServerConfig controls the HTTP listener and the senior websocket.
type ServerConfig struct {
	Addr              string   `json:"addr"` // default ":8000"
	CORSOrigins       []string `json:"cors_origins,omitempty"`
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`

	WSWriteTimeout string `json:"ws_write_timeout,omitempty"`
	WSPongWait     string `json:"ws_pong_wait,omitempty"`
	WSReadLimit    int64  `json:"ws_read_limit,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tripot.db", "busy_timeout": "2s" }
//
// An omitted section or driver "memory" keeps everything in process.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the trigger daemon. Every field hot-reloads.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // default Asia/Seoul

	Tick            string `json:"tick,omitempty"`
	MaxCatchUp      string `json:"max_catch_up,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

// SessionConfig applies to sessions opened after a reload.
type SessionConfig struct {
	ProcessTimeout    string `json:"process_timeout,omitempty"`
	FlushTimeout      string `json:"flush_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	MaxTurnsPerMinute int    `json:"max_turns_per_minute,omitempty"`
	EventBuffer       int    `json:"event_buffer,omitempty"`
}

// CollabConfig points at the external processor and memory services. Empty
// URLs select the local echo processor and the log-only memory sink.
type CollabConfig struct {
	ProcessorURL string   `json:"processor_url,omitempty"`
	MemoryURL    string   `json:"memory_url,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	PromptPaths  []string `json:"prompt_paths,omitempty"`
}

// DebugConfig controls the optional pprof/diagnostics listener. A
// non-loopback addr needs a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}
