// Licensed under the MIT License. See LICENSE file in the project root for details.

package hlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
)

// DiskRecord is the persisted form of a record. Value holds the msgpack
// encoding of the typed value.
type DiskRecord struct {
	Address uint64 `msgpack:"a"`
	Info    uint64 `msgpack:"i"`
	Key     []byte `msgpack:"k"`
	Value   []byte `msgpack:"v"`
}

// Device stores flushed log pages. A page write replaces the whole page.
type Device interface {
	ReadPage(page uint64) ([]DiskRecord, error)
	WritePage(page uint64, records []DiskRecord) error
	// TruncateBefore drops every page below page.
	TruncateBefore(page uint64) error
	Close() error
}

// MemoryDevice keeps pages in a map. Useful for tests and purely in-memory stores.
type MemoryDevice struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
}

// NewMemoryDevice returns an empty in-memory device.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{pages: make(map[uint64][]byte)}
}

func (d *MemoryDevice) ReadPage(page uint64) ([]DiskRecord, error) {
	d.mu.RLock()
	b, ok := d.pages[page]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodePage(b)
}

func (d *MemoryDevice) WritePage(page uint64, records []DiskRecord) error {
	b, err := msgpack.Marshal(records)
	if err != nil {
		return errors.Wrapf(err, "encoding page %d", page)
	}
	d.mu.Lock()
	d.pages[page] = b
	d.mu.Unlock()
	return nil
}

func (d *MemoryDevice) TruncateBefore(page uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range d.pages {
		if p < page {
			delete(d.pages, p)
		}
	}
	return nil
}

func (d *MemoryDevice) Close() error { return nil }

// Pages returns the number of stored pages.
func (d *MemoryDevice) Pages() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pages)
}

const pageFilePrefix = "page."

// FileDevice stores one file per page under a directory of an afero filesystem.
type FileDevice struct {
	fs  afero.Fs
	dir string
}

// NewFileDevice creates dir if needed and returns a device rooted there.
func NewFileDevice(fs afero.Fs, dir string) (*FileDevice, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory %s", dir)
	}
	return &FileDevice{fs: fs, dir: dir}, nil
}

func (d *FileDevice) pagePath(page uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%016x", pageFilePrefix, page))
}

func (d *FileDevice) ReadPage(page uint64) ([]DiskRecord, error) {
	b, err := afero.ReadFile(d.fs, d.pagePath(page))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading page %d", page)
	}
	return decodePage(b)
}

// WritePage writes to a temporary file and renames it over the page.
func (d *FileDevice) WritePage(page uint64, records []DiskRecord) error {
	b, err := msgpack.Marshal(records)
	if err != nil {
		return errors.Wrapf(err, "encoding page %d", page)
	}
	path := d.pagePath(page)
	tmp := path + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing page %d", page)
	}
	return errors.WithMessagef(d.fs.Rename(tmp, path), "renaming page %d", page)
}

func (d *FileDevice) TruncateBefore(page uint64) error {
	pages, err := d.listPages()
	if err != nil {
		return err
	}
	for _, p := range pages {
		if p >= page {
			break
		}
		if err := d.fs.Remove(d.pagePath(p)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing page %d", p)
		}
	}
	return nil
}

func (d *FileDevice) listPages() ([]uint64, error) {
	infos, err := afero.ReadDir(d.fs, d.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", d.dir)
	}
	var pages []uint64
	for _, info := range infos {
		name := info.Name()
		if !strings.HasPrefix(name, pageFilePrefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		p, err := strconv.ParseUint(strings.TrimPrefix(name, pageFilePrefix), 16, 64)
		if err != nil {
			continue
		}
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages, nil
}

func (d *FileDevice) Close() error { return nil }

func decodePage(b []byte) ([]DiskRecord, error) {
	var records []DiskRecord
	if err := msgpack.Unmarshal(b, &records); err != nil {
		return nil, errors.Wrap(err, "decoding page")
	}
	return records, nil
}
