package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "tripot/pkg/logx"
)

// openFile returns a memory store backed by a JSON snapshot at cfg.Path.
//
// Every committed Update rewrites the snapshot through a temp file and a
// rename, so a crash leaves either the old or the new dataset on disk.
func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	log.Info("file storage loaded",
		logx.String("path", path),
		logx.Int("users", len(st.Users)),
		logx.Int("triggers", len(st.Triggers)))

	m := &Memory{state: st}
	m.commit = func(next *memState) error { return writeSnapshot(path, next) }
	return m, nil
}

func loadSnapshot(path string) (*memState, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return newMemState(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := newMemState()
	if err := json.NewDecoder(f).Decode(st); err != nil {
		return nil, err
	}
	// Maps may be absent in hand-edited snapshots.
	if st.Users == nil {
		st.Users = map[string]User{}
	}
	if st.Triggers == nil {
		st.Triggers = map[int64]Trigger{}
	}
	if st.Calendars == nil {
		st.Calendars = map[string]Calendar{}
	}
	if st.Ledgers == nil {
		st.Ledgers = map[string]map[string]LedgerRow{}
	}
	if st.NextTriggerID < 1 {
		st.NextTriggerID = 1
	}
	for id := range st.Triggers {
		if id >= st.NextTriggerID {
			st.NextTriggerID = id + 1
		}
	}
	return st, nil
}

func writeSnapshot(path string, st *memState) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
