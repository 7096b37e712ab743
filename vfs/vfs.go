// Package vfs implements the virtual filesystem layer of spec.md §3.10
// and §4.10: a mount table mapping path prefixes to filesystem
// instances, vnode-based path resolution that crosses mount points, and
// POSIX-like file operations layered over whatever Vnode_i a concrete
// filesystem (tmpfs, eventually others) provides.
package vfs

import (
	"sort"
	"strings"
	"sync"

	"github.com/dnknob/spinix/defs"
)

// Dirent_t is one entry returned by Vnode_i.Readdir.
type Dirent_t struct {
	Name string
	Type defs.Vtype_t
}

// Stat_t is the subset of file metadata spec.md's Stat operation exposes.
type Stat_t struct {
	Ino   uint64
	Type  defs.Vtype_t
	Size  int64
	Nlink int
	Dev   uint
}

// Statfs_t is filesystem-wide metadata, per the statfs plumbing this
// module adds beyond the distilled spec.
type Statfs_t struct {
	BlockSize  int64
	TotalBlocks int64
	FreeBlocks  int64
	TotalInodes int64
	FreeInodes  int64
}

// Vnode_i is implemented by every filesystem's node type (tmpfs's inode,
// eventually others); vfs never depends on a concrete filesystem.
type Vnode_i interface {
	Type() defs.Vtype_t
	Lookup(name string) (Vnode_i, defs.Err_t)
	Create(name string, vtype defs.Vtype_t) (Vnode_i, defs.Err_t)
	Remove(name string) defs.Err_t
	Readdir() ([]Dirent_t, defs.Err_t)
	Read(buf []byte, offset int64) (int, defs.Err_t)
	Write(buf []byte, offset int64) (int, defs.Err_t)
	Truncate(size int64) defs.Err_t
	Stat() (Stat_t, defs.Err_t)
}

// FileSystem_i is implemented by a mountable filesystem (tmpfs.FS).
type FileSystem_i interface {
	Name() string
	Root() Vnode_i
	Statfs() Statfs_t
}

type mountPoint struct {
	path string
	fs   FileSystem_i
}

// VFS is the system-wide mount table and resolver. The zero value is an
// empty VFS with nothing mounted.
type VFS struct {
	mu     sync.Mutex
	mounts []*mountPoint // kept sorted by descending path length for longest-prefix match
}

// Mount attaches fs at path (which must not already have a filesystem
// mounted on it). "/" is the well-known root mount point.
func (v *VFS) Mount(path string, fs FileSystem_i) defs.Err_t {
	path = normalize(path)
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if m.path == path {
			return defs.EBUSY
		}
	}
	v.mounts = append(v.mounts, &mountPoint{path: path, fs: fs})
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].path) > len(v.mounts[j].path)
	})
	return 0
}

// Unmount detaches whatever is mounted at path.
func (v *VFS) Unmount(path string) defs.Err_t {
	path = normalize(path)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mounts {
		if m.path == path {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			return 0
		}
	}
	return defs.EINVAL
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// findMount returns the mount point whose path is the longest prefix of
// path (mounts are kept sorted so the first match is the longest).
func (v *VFS) findMount(path string) (*mountPoint, string, defs.Err_t) {
	for _, m := range v.mounts {
		if m.path == "/" {
			continue // root is the fallback, checked last below
		}
		if path == m.path || strings.HasPrefix(path, m.path+"/") {
			rel := strings.TrimPrefix(path, m.path)
			return m, rel, 0
		}
	}
	for _, m := range v.mounts {
		if m.path == "/" {
			return m, path, 0
		}
	}
	return nil, "", defs.ENOENT
}

// Resolve walks path to its vnode, crossing into whichever filesystem
// owns the longest matching mount prefix and then resolving the
// remaining components via Lookup.
func (v *VFS) Resolve(path string) (Vnode_i, defs.Err_t) {
	path = normalize(path)
	v.mu.Lock()
	m, rel, err := v.findMount(path)
	v.mu.Unlock()
	if err != 0 {
		return nil, err
	}

	cur := m.fs.Root()
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return cur, 0
	}
	for _, comp := range strings.Split(rel, "/") {
		if comp == "" || comp == "." {
			continue
		}
		next, err := cur.Lookup(comp)
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	return cur, 0
}

// ResolveParent resolves path's containing directory and returns it
// along with path's final component, for operations (Create, Remove,
// Rename) that need to mutate a directory entry.
func (v *VFS) ResolveParent(path string) (Vnode_i, string, defs.Err_t) {
	path = normalize(path)
	idx := strings.LastIndex(path, "/")
	dir := path[:idx]
	name := path[idx+1:]
	if dir == "" {
		dir = "/"
	}
	if name == "" {
		return nil, "", defs.EINVAL
	}
	parent, err := v.Resolve(dir)
	if err != 0 {
		return nil, "", err
	}
	return parent, name, 0
}

// Stat resolves path and returns its metadata.
func (v *VFS) Stat(path string) (Stat_t, defs.Err_t) {
	n, err := v.Resolve(path)
	if err != 0 {
		return Stat_t{}, err
	}
	return n.Stat()
}

// Statfs returns filesystem-wide metadata for whichever mount owns path.
func (v *VFS) Statfs(path string) (Statfs_t, defs.Err_t) {
	path = normalize(path)
	v.mu.Lock()
	m, _, err := v.findMount(path)
	v.mu.Unlock()
	if err != 0 {
		return Statfs_t{}, err
	}
	return m.fs.Statfs(), 0
}
