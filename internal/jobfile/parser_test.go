package jobfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kvsd/internal/store"
)

func TestParseScenarioOneFromSpec(t *testing.T) {
	input := "WRITE [(a,1)(b,2)]\nREAD [a,b]\nDELETE [b]\nREAD [b]\n"
	s := NewScanner(strings.NewReader(input))

	c := s.Next()
	require.Equal(t, KindWrite, c.Kind)
	require.Equal(t, []store.Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, c.Pairs)

	c = s.Next()
	require.Equal(t, KindRead, c.Kind)
	require.Equal(t, []string{"a", "b"}, c.Keys)

	c = s.Next()
	require.Equal(t, KindDelete, c.Kind)
	require.Equal(t, []string{"b"}, c.Keys)

	c = s.Next()
	require.Equal(t, KindRead, c.Kind)
	require.Equal(t, []string{"b"}, c.Keys)

	c = s.Next()
	require.Equal(t, KindEOC, c.Kind)
}

func TestParseWaitShowBackupHelp(t *testing.T) {
	s := NewScanner(strings.NewReader("WAIT 100\nSHOW\nBACKUP\nHELP\n"))

	require.Equal(t, Command{Kind: KindWait, WaitMS: 100, Raw: "WAIT 100"}, s.Next())
	require.Equal(t, KindShow, s.Next().Kind)
	require.Equal(t, KindBackup, s.Next().Kind)
	require.Equal(t, KindHelp, s.Next().Kind)
}

func TestEmptyLineAndInvalidCommand(t *testing.T) {
	s := NewScanner(strings.NewReader("\nBOGUS stuff\n"))
	require.Equal(t, KindEmpty, s.Next().Kind)
	require.Equal(t, KindInvalid, s.Next().Kind)
}

func TestWriteRejectsMalformedPairs(t *testing.T) {
	s := NewScanner(strings.NewReader("WRITE [(a,1)(b)]\n"))
	require.Equal(t, KindInvalid, s.Next().Kind)
}
