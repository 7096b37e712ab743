package vfs

import "github.com/dnknob/spinix/defs"

// File_t is an open file description: a vnode plus a private seek
// offset and open flags. It satisfies proc.File_i so it can be installed
// directly into a process's descriptor table.
type File_t struct {
	vnode  Vnode_i
	offset int64
	flags  int
	closed bool
}

// Read reads into buf starting at the file's current offset and
// advances it by the number of bytes read.
func (f *File_t) Read(buf []byte) (int, defs.Err_t) {
	if f.closed {
		return 0, defs.EBADF
	}
	n, err := f.vnode.Read(buf, f.offset)
	if err != 0 {
		return 0, err
	}
	f.offset += int64(n)
	return n, 0
}

// Write writes buf at the file's current offset (or at EOF if opened
// O_APPEND) and advances the offset by the number of bytes written.
func (f *File_t) Write(buf []byte) (int, defs.Err_t) {
	if f.closed {
		return 0, defs.EBADF
	}
	off := f.offset
	if f.flags&defs.O_APPEND != 0 {
		if st, err := f.vnode.Stat(); err == 0 {
			off = st.Size
		}
	}
	n, err := f.vnode.Write(buf, off)
	if err != 0 {
		return 0, err
	}
	f.offset = off + int64(n)
	return n, 0
}

// Seek repositions the file's offset per whence (defs.SEEK_SET/CUR/END).
func (f *File_t) Seek(off int64, whence int) (int64, defs.Err_t) {
	switch whence {
	case defs.SEEK_SET:
		f.offset = off
	case defs.SEEK_CUR:
		f.offset += off
	case defs.SEEK_END:
		st, err := f.vnode.Stat()
		if err != 0 {
			return 0, err
		}
		f.offset = st.Size + off
	default:
		return 0, defs.EINVAL
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, defs.EINVAL
	}
	return f.offset, 0
}

// Close marks the file description closed; closing an already-closed
// file is a no-op, matching POSIX close() idempotence within one fd.
func (f *File_t) Close() defs.Err_t {
	f.closed = true
	return 0
}

// Readdir returns the file's directory entries (f.vnode must be VDIR).
func (f *File_t) Readdir() ([]Dirent_t, defs.Err_t) {
	if f.vnode.Type() != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	return f.vnode.Readdir()
}

// Stat returns the metadata of the file this descriptor has open.
func (f *File_t) Stat() (Stat_t, defs.Err_t) {
	return f.vnode.Stat()
}
