package streamid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLiteral(t *testing.T) {
	id, hasSeq, err := Parse("1526919030474-12")
	require.NoError(t, err)
	require.True(t, hasSeq)
	require.Equal(t, ID{Ms: 1526919030474, Seq: 12}, id)
}

func TestParseBareMs(t *testing.T) {
	id, hasSeq, err := Parse("5")
	require.NoError(t, err)
	require.False(t, hasSeq)
	require.Equal(t, ID{Ms: 5}, id)
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "1-", "-1", "1-2-3"} {
		_, _, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestCompare(t *testing.T) {
	require.Equal(t, -1, Compare(ID{Ms: 1}, ID{Ms: 2}))
	require.Equal(t, 0, Compare(ID{Ms: 1, Seq: 2}, ID{Ms: 1, Seq: 2}))
	require.Equal(t, 1, Compare(ID{Ms: 2}, ID{Ms: 1}))
}

func TestNextSeq(t *testing.T) {
	require.Equal(t, uint64(1), NextSeq(0, ID{}, false), "ms==0 starts at seq 1")
	require.Equal(t, uint64(0), NextSeq(5, ID{}, false), "fresh ms starts at seq 0")
	require.Equal(t, uint64(4), NextSeq(5, ID{Ms: 5, Seq: 3}, true), "same ms continues the sequence")
	require.Equal(t, uint64(0), NextSeq(6, ID{Ms: 5, Seq: 3}, true), "new ms resets to 0")
}

func TestInRange(t *testing.T) {
	require.True(t, InRange(ID{Ms: 5}, ID{}, Max))
	require.False(t, InRange(ID{Ms: 5}, ID{Ms: 6}, Max))
	require.False(t, InRange(ID{Ms: 5}, ID{}, ID{Ms: 4}))
}
