package vfs

import "github.com/dnknob/spinix/defs"

// Open resolves path, creating it (as a regular file) if O_CREAT is set
// and it does not exist, and returns an open File_t honoring O_TRUNC.
func (v *VFS) Open(path string, flags int) (*File_t, defs.Err_t) {
	n, err := v.Resolve(path)
	if err == defs.ENOENT && flags&defs.O_CREAT != 0 {
		parent, name, perr := v.ResolveParent(path)
		if perr != 0 {
			return nil, perr
		}
		n, err = parent.Create(name, defs.VFILE)
	}
	if err != 0 {
		return nil, err
	}
	if flags&defs.O_DIRECTORY != 0 && n.Type() != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	if flags&defs.O_TRUNC != 0 {
		if err := n.Truncate(0); err != 0 {
			return nil, err
		}
	}
	f := &File_t{vnode: n, flags: flags}
	if flags&defs.O_APPEND != 0 {
		if st, err := n.Stat(); err == 0 {
			f.offset = st.Size
		}
	}
	return f, 0
}

// Mkdir creates an empty directory at path.
func (v *VFS) Mkdir(path string) defs.Err_t {
	parent, name, err := v.ResolveParent(path)
	if err != 0 {
		return err
	}
	_, err = parent.Create(name, defs.VDIR)
	return err
}

// Unlink removes the directory entry named by path.
func (v *VFS) Unlink(path string) defs.Err_t {
	parent, name, err := v.ResolveParent(path)
	if err != 0 {
		return err
	}
	return parent.Remove(name)
}

// Rename moves the entry at oldpath to newpath. Mount points are not
// checked: a regular file is moved by creating a new file at newpath,
// copying its bytes and removing the old entry, which also works across
// filesystems. A directory is moved by creating an empty directory at
// newpath and removing the old entry.
func (v *VFS) Rename(oldpath, newpath string) defs.Err_t {
	oldParent, oldName, err := v.ResolveParent(oldpath)
	if err != 0 {
		return err
	}
	newParent, newName, err := v.ResolveParent(newpath)
	if err != 0 {
		return err
	}

	src, err := oldParent.Lookup(oldName)
	if err != 0 {
		return err
	}

	if existing, eerr := newParent.Lookup(newName); eerr == 0 {
		if existing.Type() == defs.VDIR {
			if ents, _ := existing.Readdir(); len(ents) > 0 {
				return defs.ENOTEMPTY
			}
		}
		if err := newParent.Remove(newName); err != 0 {
			return err
		}
	}

	if src.Type() == defs.VDIR {
		return renameDir(oldParent, oldName, newParent, newName, src)
	}
	return renameFile(oldParent, oldName, newParent, newName, src)
}

func renameFile(oldParent Vnode_i, oldName string, newParent Vnode_i, newName string, src Vnode_i) defs.Err_t {
	dst, err := newParent.Create(newName, defs.VFILE)
	if err != 0 {
		return err
	}
	buf := make([]byte, 4096)
	var off int64
	for {
		n, rerr := src.Read(buf, off)
		if rerr != 0 {
			return rerr
		}
		if n == 0 {
			break
		}
		if _, werr := dst.Write(buf[:n], off); werr != 0 {
			return werr
		}
		off += int64(n)
	}
	return oldParent.Remove(oldName)
}

func renameDir(oldParent Vnode_i, oldName string, newParent Vnode_i, newName string, src Vnode_i) defs.Err_t {
	if _, err := newParent.Create(newName, defs.VDIR); err != 0 {
		return err
	}
	return oldParent.Remove(oldName)
}
