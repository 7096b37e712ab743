package tmpfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/defs"
)

func TestCreateAndLookupFile(t *testing.T) {
	fs := New()
	root := fs.Root()
	_, err := root.Create("hello", defs.VFILE)
	require.Zero(t, err)

	got, err := root.Lookup("hello")
	require.Zero(t, err)
	require.Equal(t, defs.VFILE, got.Type())
}

func TestWriteReadGrowsFile(t *testing.T) {
	fs := New()
	n, _ := fs.Root().Create("f", defs.VFILE)
	wrote, err := n.Write([]byte("hello world"), 0)
	require.Zero(t, err)
	require.Equal(t, 11, wrote)

	buf := make([]byte, 5)
	got, err := n.Read(buf, 6)
	require.Zero(t, err)
	require.Equal(t, "world", string(buf[:got]))
}

func TestTruncateShrinksAndGrows(t *testing.T) {
	fs := New()
	n, _ := fs.Root().Create("f", defs.VFILE)
	n.Write([]byte("0123456789"), 0)

	require.Zero(t, n.Truncate(3))
	st, _ := n.Stat()
	require.EqualValues(t, 3, st.Size)

	require.Zero(t, n.Truncate(8))
	st, _ = n.Stat()
	require.EqualValues(t, 8, st.Size)
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	fs := New()
	root := fs.Root()
	root.Create("d", defs.VDIR)
	d, _ := root.Lookup("d")
	d.Create("f", defs.VFILE)

	require.Equal(t, defs.ENOTEMPTY, root.Remove("d"))
}

func TestReaddirListsEntries(t *testing.T) {
	fs := New()
	root := fs.Root()
	root.Create("a", defs.VFILE)
	root.Create("b", defs.VDIR)

	ents, err := root.Readdir()
	require.Zero(t, err)
	require.Len(t, ents, 2)
}
