package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./tripot.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply replaces them in place and every Logger it
// handed out picks up the change on its next event.
type Service struct {
	mu     sync.Mutex
	stdout io.Writer
	file   *os.File
	root   atomic.Pointer[zerolog.Logger]
}

func New(cfg Config) (*Service, Logger) { return newService(cfg, os.Stdout) }

func newService(cfg Config, stdout io.Writer) (*Service, Logger) {
	s := &Service{stdout: stdout}
	s.Apply(cfg)
	return s, Logger{sink: &s.root}
}

// Apply reopens the sinks for cfg. With no usable sink it falls back to the
// console so nothing is lost silently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.file
	s.file = nil

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, console(s.stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, console(s.stdout))
	}

	zl := build(writers, levelOf(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
