package devicesim

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/espwasm/wasmctl/internal/protocol"
)

// FS is the device filesystem. Names are absolute slash-separated paths;
// directories are flat.
type FS interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Rename(from, to string) error
	Remove(name string) error
	ReadDir(dir string) ([]protocol.DirEntry, error)
}

// MemFS is an in-memory FS.
type MemFS struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

// NewMemFS returns an empty filesystem containing dirs.
func NewMemFS(dirs ...string) *MemFS {
	m := &MemFS{dirs: make(map[string]bool), files: make(map[string][]byte)}
	for _, d := range dirs {
		m.dirs[path.Clean(d)] = true
	}
	return m
}

func (m *MemFS) checkDir(name string) error {
	if !m.dirs[path.Dir(name)] {
		return &fs.PathError{Op: "open", Path: path.Dir(name), Err: fs.ErrNotExist}
	}
	return nil
}

func (m *MemFS) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemFS) WriteFile(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if err := m.checkDir(name); err != nil {
		return err
	}
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemFS) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, to = path.Clean(from), path.Clean(to)
	data, ok := m.files[from]
	if !ok {
		return &fs.PathError{Op: "rename", Path: from, Err: fs.ErrNotExist}
	}
	if err := m.checkDir(to); err != nil {
		return err
	}
	delete(m.files, from)
	m.files[to] = data
	return nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if _, ok := m.files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) ReadDir(dir string) ([]protocol.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean(dir)
	if !m.dirs[dir] {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrNotExist}
	}
	var entries []protocol.DirEntry
	for name, data := range m.files {
		if path.Dir(name) == dir {
			entries = append(entries, protocol.DirEntry{Name: path.Base(name), Size: uint64(len(data))})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// DirFS stores device files under a host directory. Device path /a/b maps
// to <root>/a/b.
type DirFS struct {
	root string
}

// NewDirFS returns a filesystem rooted at root, creating dirs beneath it.
func NewDirFS(root string, dirs ...string) (*DirFS, error) {
	d := &DirFS{root: root}
	for _, dir := range dirs {
		if err := os.MkdirAll(d.host(dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return d, nil
}

func (d *DirFS) host(name string) string {
	clean := path.Clean("/" + name)
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

func (d *DirFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.host(name))
}

func (d *DirFS) WriteFile(name string, data []byte) error {
	return os.WriteFile(d.host(name), data, 0o644)
}

func (d *DirFS) Rename(from, to string) error {
	if _, err := os.Stat(d.host(from)); err != nil {
		return err
	}
	return os.Rename(d.host(from), d.host(to))
}

func (d *DirFS) Remove(name string) error {
	return os.Remove(d.host(name))
}

func (d *DirFS) ReadDir(dir string) ([]protocol.DirEntry, error) {
	dents, err := os.ReadDir(d.host(dir))
	if err != nil {
		return nil, err
	}
	var entries []protocol.DirEntry
	for _, de := range dents {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, protocol.DirEntry{Name: de.Name(), Size: uint64(info.Size())})
	}
	// os.ReadDir already sorts by name
	return entries, nil
}
