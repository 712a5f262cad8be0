package sigcache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveWriteReadRoundTrip(t *testing.T) {
	c, err := Open(16)
	require.NoError(t, err)
	defer c.Close()

	off1 := c.Reserve()
	off2 := c.Reserve()
	require.NotEqual(t, off1, off2)

	rec1 := bytes.Repeat([]byte{0xAB}, 16)
	rec2 := bytes.Repeat([]byte{0xCD}, 16)
	require.NoError(t, c.Write(off1, rec1))
	require.NoError(t, c.Write(off2, rec2))

	buf := make([]byte, 16)
	require.NoError(t, c.Read(off1, buf))
	require.Equal(t, rec1, buf)
	require.NoError(t, c.Read(off2, buf))
	require.Equal(t, rec2, buf)
}

func TestWriteRejectsWrongSize(t *testing.T) {
	c, err := Open(16)
	require.NoError(t, err)
	defer c.Close()

	off := c.Reserve()
	err = c.Write(off, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestRecordSize(t *testing.T) {
	c, err := Open(32)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, 32, c.RecordSize())
}
