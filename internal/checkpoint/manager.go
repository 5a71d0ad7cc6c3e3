// Licensed under the MIT License. See LICENSE file in the project root for details.

package checkpoint

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when a token has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Manager persists checkpoint metadata. Implementations must be safe for
// concurrent use.
type Manager interface {
	// CommitIndexCheckpoint durably stores index checkpoint metadata.
	CommitIndexCheckpoint(token string, metadata []byte) error
	// CommitLogCheckpoint durably stores hybrid log checkpoint metadata.
	CommitLogCheckpoint(token string, metadata []byte) error
	// CommitLogIncrementalCheckpoint stores metadata together with the delta
	// log of a snapshot checkpoint.
	CommitLogIncrementalCheckpoint(token string, version uint64, metadata, deltaLog []byte) error
	GetIndexCheckpointMetadata(token string) ([]byte, error)
	GetLogCheckpointMetadata(token string) ([]byte, error)
	// GetDeltaLog returns the delta log of token, nil if it has none.
	GetDeltaLog(token string) ([]byte, error)
	// GetIndexCheckpointTokens lists committed index checkpoints, newest first.
	GetIndexCheckpointTokens() ([]string, error)
	// GetLogCheckpointTokens lists committed log checkpoints, newest first.
	GetLogCheckpointTokens() ([]string, error)
	Close() error
}

const (
	indexDir = "index-checkpoints"
	logDir   = "log-checkpoints"

	metadataFile = "info.dat"
	deltaFile    = "delta.dat"
)

// DirManager stores each checkpoint in its own directory,
// <root>/<kind>/<sequence>-<token>/. The sequence orders tokens by commit.
type DirManager struct {
	fs   afero.Fs
	root string

	mu  sync.Mutex
	seq uint64
}

var _ Manager = &DirManager{} // DirManager is-a Manager.

// NewDirManager opens (or creates) a checkpoint directory rooted at root on fs.
func NewDirManager(fs afero.Fs, root string) (*DirManager, error) {
	m := &DirManager{fs: fs, root: root}
	for _, kind := range []string{indexDir, logDir} {
		if err := fs.MkdirAll(path.Join(root, kind), 0o755); err != nil {
			return nil, errors.WithMessagef(err, "creating %s", kind)
		}
		entries, err := m.list(kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.seq >= m.seq {
				m.seq = e.seq + 1
			}
		}
	}
	return m, nil
}

type dirEntry struct {
	seq   uint64
	token string
	name  string
}

func (m *DirManager) list(kind string) ([]dirEntry, error) {
	infos, err := afero.ReadDir(m.fs, path.Join(m.root, kind))
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", kind)
	}
	var out []dirEntry
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		prefix, token, ok := strings.Cut(fi.Name(), "-")
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(prefix, 16, 64)
		if err != nil {
			continue
		}
		// Only committed checkpoints carry metadata.
		if ok, _ := afero.Exists(m.fs, path.Join(m.root, kind, fi.Name(), metadataFile)); !ok {
			continue
		}
		out = append(out, dirEntry{seq: seq, token: token, name: fi.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out, nil
}

func (m *DirManager) find(kind, token string) (string, error) {
	entries, err := m.list(kind)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.token == token {
			return path.Join(m.root, kind, e.name), nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "%s %s", kind, token)
}

func (m *DirManager) commit(kind, token string, files map[string][]byte) error {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	dir := path.Join(m.root, kind, fmt.Sprintf("%016x-%s", seq, token))
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.WithMessage(err, "creating checkpoint directory")
	}
	// The metadata file is written last; its presence marks the commit.
	names := make([]string, 0, len(files))
	for name := range files {
		if name != metadataFile {
			names = append(names, name)
		}
	}
	names = append(names, metadataFile)

	for _, name := range names {
		if err := m.writeFile(path.Join(dir, name), files[name]); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"kind": kind, "token": token, "dir": dir}).Debug("committed checkpoint")
	return nil
}

func (m *DirManager) writeFile(name string, b []byte) error {
	tmp := name + ".tmp"
	f, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithMessage(err, "opening checkpoint file")
	}
	if _, err = f.Write(b); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.WithMessage(err, "writing checkpoint file")
	}
	return errors.WithMessage(m.fs.Rename(tmp, name), "renaming checkpoint file")
}

func (m *DirManager) read(kind, token, name string) ([]byte, error) {
	dir, err := m.find(kind, token)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(m.fs, path.Join(dir, name))
	if os.IsNotExist(err) && name == deltaFile {
		return nil, nil
	}
	return b, errors.WithMessagef(err, "reading %s", name)
}

func (m *DirManager) tokens(kind string) ([]string, error) {
	entries, err := m.list(kind)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.token
	}
	return out, nil
}

func (m *DirManager) CommitIndexCheckpoint(token string, metadata []byte) error {
	return m.commit(indexDir, token, map[string][]byte{metadataFile: metadata})
}

func (m *DirManager) CommitLogCheckpoint(token string, metadata []byte) error {
	return m.commit(logDir, token, map[string][]byte{metadataFile: metadata})
}

func (m *DirManager) CommitLogIncrementalCheckpoint(token string, version uint64, metadata, deltaLog []byte) error {
	log.WithFields(log.Fields{"token": token, "version": version, "delta": len(deltaLog)}).Debug("committing incremental checkpoint")
	return m.commit(logDir, token, map[string][]byte{metadataFile: metadata, deltaFile: deltaLog})
}

func (m *DirManager) GetIndexCheckpointMetadata(token string) ([]byte, error) {
	return m.read(indexDir, token, metadataFile)
}

func (m *DirManager) GetLogCheckpointMetadata(token string) ([]byte, error) {
	return m.read(logDir, token, metadataFile)
}

func (m *DirManager) GetDeltaLog(token string) ([]byte, error) {
	return m.read(logDir, token, deltaFile)
}

func (m *DirManager) GetIndexCheckpointTokens() ([]string, error) { return m.tokens(indexDir) }
func (m *DirManager) GetLogCheckpointTokens() ([]string, error)   { return m.tokens(logDir) }

// Close is a no-op; files are synced on commit.
func (m *DirManager) Close() error { return nil }
