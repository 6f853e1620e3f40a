package resp

import (
	"bufio"
	"bytes"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInt(t *testing.T) {
	for _, v := range []int64{0, -1, 1, math.MinInt64, math.MaxInt64} {
		got := ParseInt([]byte(strconv.FormatInt(v, 10)))
		require.Equal(t, v, got)
	}
	require.Equal(t, int64(0), ParseInt(nil))
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	golden := [][][]byte{
		{[]byte("PING")},
		{[]byte("SET"), []byte("foo"), []byte("bar")},
		{[]byte("SET"), []byte("foo"), {}},
		{[]byte("XADD"), []byte("s"), []byte("*"), []byte("f"), []byte("v")},
	}
	for _, args := range golden {
		buf := EncodeCommand(args)
		got, err := DecodeCommand(bufio.NewReader(bytes.NewReader(buf)))
		require.NoError(t, err)
		require.Equal(t, args, got)
	}
}

func TestWriteBulkNull(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteBulk(w, nil))
	require.NoError(t, w.Flush())
	require.Equal(t, "$-1\r\n", buf.String())
}

func TestWriteInteger(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteInteger(w, -42))
	require.NoError(t, w.Flush())
	require.Equal(t, ":-42\r\n", buf.String())
}

func TestReadBulkHeaderNull(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("$-1\r\n")))
	n, err := ReadBulkHeader(r)
	require.NoError(t, err)
	require.Equal(t, int64(-1), n)
}

func TestDecodeCommandRejectsNonArray(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("+PING\r\n")))
	_, err := DecodeCommand(r)
	require.Error(t, err)
}

func TestServerErrorPrefix(t *testing.T) {
	err := ServerError("WRONGTYPE Operation against a key holding the wrong kind of value")
	require.Equal(t, "WRONGTYPE", err.Prefix())
}
