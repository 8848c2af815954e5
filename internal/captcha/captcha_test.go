package captcha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueThenVerifyCorrectAnswer(t *testing.T) {
	s := New(5, time.Minute)
	id, answer, err := s.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, answer, 5)

	require.True(t, s.Verify(id, answer))
}

func TestVerifyIsOneTimeUse(t *testing.T) {
	s := New(5, time.Minute)
	id, answer, err := s.Issue()
	require.NoError(t, err)

	require.True(t, s.Verify(id, answer))
	require.False(t, s.Verify(id, answer)) // consumed
}

func TestVerifyWrongAnswerFails(t *testing.T) {
	s := New(5, time.Minute)
	id, _, err := s.Issue()
	require.NoError(t, err)

	require.False(t, s.Verify(id, "WRONG"))
}

func TestVerifyExpiredFails(t *testing.T) {
	s := New(5, -time.Second) // already expired at issue time
	id, answer, err := s.Issue()
	require.NoError(t, err)

	require.False(t, s.Verify(id, answer))
}

func TestVerifyUnknownIDFails(t *testing.T) {
	s := New(5, time.Minute)
	require.False(t, s.Verify("no-such-id", "ABCDE"))
}

func TestVerifyIsCaseInsensitive(t *testing.T) {
	s := New(5, time.Minute)
	id, answer, err := s.Issue()
	require.NoError(t, err)

	lower := ""
	for _, c := range answer {
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		lower += string(c)
	}
	require.True(t, s.Verify(id, lower))
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	s := New(5, -time.Second)
	_, _, err := s.Issue()
	require.NoError(t, err)

	s2 := New(5, time.Hour)
	_, _, err = s2.Issue()
	require.NoError(t, err)

	require.Equal(t, 1, s.Sweep())
	require.Equal(t, 0, s2.Sweep())
}
