package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/tmpfs"
	"github.com/dnknob/spinix/vfs"
)

func newMountedVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := &vfs.VFS{}
	require.Zero(t, v.Mount("/", tmpfs.New()))
	return v
}

func TestOpenCreateWriteReadRoundTrips(t *testing.T) {
	v := newMountedVFS(t)
	f, err := v.Open("/greeting.txt", defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, err)

	n, err := f.Write([]byte("hi there"))
	require.Zero(t, err)
	require.Equal(t, 8, n)

	_, err = f.Seek(0, defs.SEEK_SET)
	require.Zero(t, err)

	buf := make([]byte, 8)
	n, err = f.Read(buf)
	require.Zero(t, err)
	require.Equal(t, "hi there", string(buf[:n]))
}

func TestOpenWithoutCreateOnMissingFileFails(t *testing.T) {
	v := newMountedVFS(t)
	_, err := v.Open("/nope.txt", defs.O_RDONLY)
	require.Equal(t, defs.ENOENT, err)
}

func TestMkdirThenResolveNestedPath(t *testing.T) {
	v := newMountedVFS(t)
	require.Zero(t, v.Mkdir("/dir"))
	f, err := v.Open("/dir/file.txt", defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, err)
	_, err = f.Write([]byte("nested"))
	require.Zero(t, err)

	st, err := v.Stat("/dir/file.txt")
	require.Zero(t, err)
	require.EqualValues(t, 6, st.Size)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	v := newMountedVFS(t)
	v.Open("/f", defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, v.Unlink("/f"))
	_, err := v.Resolve("/f")
	require.Equal(t, defs.ENOENT, err)
}

func TestRenameMovesFileContent(t *testing.T) {
	v := newMountedVFS(t)
	f, _ := v.Open("/a", defs.O_CREAT|defs.O_RDWR)
	f.Write([]byte("payload"))

	require.Zero(t, v.Rename("/a", "/b"))
	_, err := v.Resolve("/a")
	require.Equal(t, defs.ENOENT, err)

	st, err := v.Stat("/b")
	require.Zero(t, err)
	require.EqualValues(t, len("payload"), st.Size)
}

func TestNestedMountCrossesBoundary(t *testing.T) {
	v := &vfs.VFS{}
	require.Zero(t, v.Mount("/", tmpfs.New()))
	sub := tmpfs.New()
	sub.Root().Create("nested.txt", defs.VFILE)
	require.Zero(t, v.Mount("/mnt", sub))

	_, err := v.Resolve("/mnt/nested.txt")
	require.Zero(t, err)
}

func TestStatfsReportsFilesystemMetadata(t *testing.T) {
	v := newMountedVFS(t)
	sfs, err := v.Statfs("/")
	require.Zero(t, err)
	require.EqualValues(t, 4096, sfs.BlockSize)
}
