package app

import (
	"time"

	"tripot/internal/config"
	"tripot/internal/httpapi"
	"tripot/internal/observability/pprof"
	"tripot/internal/scheduler"
	"tripot/internal/session"
	"tripot/internal/storage"
	"tripot/internal/transport/websocket"
	logx "tripot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDuration("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	catchUp, err := config.ParseDuration("scheduler.max_catch_up", sc.MaxCatchUp)
	if err != nil {
		return scheduler.Config{}, err
	}
	dispatch, err := config.ParseDuration("scheduler.dispatch_timeout", sc.DispatchTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:         sc.Enabled,
		Tick:            tick,
		MaxCatchUp:      catchUp,
		DispatchTimeout: dispatch,
		Timezone:        sc.Timezone,
	}, nil
}

func mapSession(cfg *config.Config) (session.Config, error) {
	sc := cfg.Session
	process, err := config.ParseDuration("session.process_timeout", sc.ProcessTimeout)
	if err != nil {
		return session.Config{}, err
	}
	flush, err := config.ParseDuration("session.flush_timeout", sc.FlushTimeout)
	if err != nil {
		return session.Config{}, err
	}
	write, err := config.ParseDuration("session.write_timeout", sc.WriteTimeout)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		ProcessTimeout:    process,
		FlushTimeout:      flush,
		WriteTimeout:      write,
		MaxTurnsPerMinute: sc.MaxTurnsPerMinute,
		EventBuffer:       sc.EventBuffer,
	}, nil
}

func mapServer(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	readHeader, err := config.ParseDuration("server.read_header_timeout", sc.ReadHeaderTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDuration("server.shutdown_timeout", sc.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wsWrite, err := config.ParseDuration("server.ws_write_timeout", sc.WSWriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	pong, err := config.ParseDuration("server.ws_pong_wait", sc.WSPongWait)
	if err != nil {
		return httpapi.Config{}, err
	}
	sess, err := mapSession(cfg)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:              sc.Addr,
		CORSOrigins:       append([]string(nil), sc.CORSOrigins...),
		ReadHeaderTimeout: readHeader,
		ShutdownTimeout:   shutdown,
		WebSocket: websocket.Options{
			WriteTimeout: wsWrite,
			PongWait:     pong,
			ReadLimit:    sc.WSReadLimit,
		},
		Session: sess,
	}, nil
}

type collabConfig struct {
	ProcessorURL string
	MemoryURL    string
	Timeout      time.Duration
	PromptPaths  []string
}

func mapCollab(cfg *config.Config) (collabConfig, error) {
	cc := cfg.Collaborators
	timeout, err := config.ParseDurationOr("collaborators.timeout", cc.Timeout, 30*time.Second)
	if err != nil {
		return collabConfig{}, err
	}
	paths := cc.PromptPaths
	if len(paths) == 0 {
		paths = []string{"./prompts/main_chat.yaml", "./prompts/main_chat.json"}
	}
	return collabConfig{
		ProcessorURL: cc.ProcessorURL,
		MemoryURL:    cc.MemoryURL,
		Timeout:      timeout,
		PromptPaths:  paths,
	}, nil
}

func mapDebug(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}
