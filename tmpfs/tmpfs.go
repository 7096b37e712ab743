// Package tmpfs implements the reference in-memory filesystem of
// spec.md §4.11: every inode's data lives only in a Go byte slice, never
// backed by blk/bcache, so it satisfies vfs.Vnode_i and vfs.FileSystem_i
// directly rather than going through the block layer the way a disk
// filesystem would.
package tmpfs

import (
	"sync"
	"sync/atomic"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/vfs"
)

var nextIno uint64

func allocIno() uint64 {
	return atomic.AddUint64(&nextIno, 1)
}

// node is tmpfs's single inode representation, used for both regular
// files and directories.
type node struct {
	mu    sync.Mutex
	ino   uint64
	vtype defs.Vtype_t
	data  []byte          // regular file content
	dir   map[string]*node // directory entries, nil for regular files
	nlink int
}

func newNode(vtype defs.Vtype_t) *node {
	n := &node{ino: allocIno(), vtype: vtype, nlink: 1}
	if vtype == defs.VDIR {
		n.dir = make(map[string]*node)
	}
	return n
}

func (n *node) Type() defs.Vtype_t { return n.vtype }

func (n *node) Lookup(name string) (vfs.Vnode_i, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	child, ok := n.dir[name]
	if !ok {
		return nil, defs.ENOENT
	}
	return child, 0
}

func (n *node) Create(name string, vtype defs.Vtype_t) (vfs.Vnode_i, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	if _, ok := n.dir[name]; ok {
		return nil, defs.EEXIST
	}
	child := newNode(vtype)
	n.dir[name] = child
	return child, 0
}

func (n *node) Remove(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VDIR {
		return defs.ENOTDIR
	}
	child, ok := n.dir[name]
	if !ok {
		return defs.ENOENT
	}
	if child.vtype == defs.VDIR && len(child.dir) > 0 {
		return defs.ENOTEMPTY
	}
	delete(n.dir, name)
	return 0
}

func (n *node) Readdir() ([]vfs.Dirent_t, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	ents := make([]vfs.Dirent_t, 0, len(n.dir))
	for name, child := range n.dir {
		ents = append(ents, vfs.Dirent_t{Name: name, Type: child.vtype})
	}
	return ents, 0
}

func (n *node) Read(buf []byte, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VFILE {
		return 0, defs.EISDIR
	}
	if offset < 0 {
		return 0, defs.EINVAL
	}
	if offset >= int64(len(n.data)) {
		return 0, 0
	}
	return copy(buf, n.data[offset:]), 0
}

func (n *node) Write(buf []byte, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VFILE {
		return 0, defs.EISDIR
	}
	if offset < 0 {
		return 0, defs.EINVAL
	}
	end := offset + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:end], buf)
	return len(buf), 0
}

func (n *node) Truncate(size int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vtype != defs.VFILE {
		return defs.EISDIR
	}
	if size < 0 {
		return defs.EINVAL
	}
	switch {
	case size <= int64(len(n.data)):
		n.data = n.data[:size]
	default:
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	return 0
}

func (n *node) Stat() (vfs.Stat_t, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return vfs.Stat_t{
		Ino:   n.ino,
		Type:  n.vtype,
		Size:  int64(len(n.data)),
		Nlink: n.nlink,
		Dev:   defs.Mkdev(defs.DStat, 0),
	}, 0
}

// FS is a tmpfs instance: one root directory, everything else reachable
// by Lookup/Readdir from it. Mount it into a vfs.VFS with VFS.Mount.
type FS struct {
	root *node
}

// New creates an empty tmpfs with a fresh root directory.
func New() *FS {
	return &FS{root: newNode(defs.VDIR)}
}

func (fs *FS) Name() string      { return "tmpfs" }
func (fs *FS) Root() vfs.Vnode_i { return fs.root }

// Statfs reports an effectively unbounded filesystem, since tmpfs never
// exhausts anything but kernel heap memory.
func (fs *FS) Statfs() vfs.Statfs_t {
	return vfs.Statfs_t{
		BlockSize:   4096,
		TotalBlocks: -1,
		FreeBlocks:  -1,
		TotalInodes: -1,
		FreeInodes:  -1,
	}
}
