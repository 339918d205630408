package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpoint(t *testing.T, s *Server) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestPoll_NoCrashYet(t *testing.T) {
	s := New()
	client := NewClient(newTestEndpoint(t, s))

	result, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Crash)
	assert.Nil(t, result.Observation)
}

func TestReport_LatchesFirstCrashOnly(t *testing.T) {
	s := New()
	client := NewClient(newTestEndpoint(t, s))

	s.Report(Observation{PID: 100, Exe: "target", ExceptionCode: "0xC0000005"})
	s.Report(Observation{PID: 200, Exe: "other", ExceptionCode: "0x1"})

	result, err := client.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, result.Crash)
	require.NotNil(t, result.Observation)
	assert.Equal(t, 100, result.Observation.PID)
}

func TestPollUntilCrashOrTimeout_ReturnsOnCrash(t *testing.T) {
	s := New()
	client := NewClient(newTestEndpoint(t, s))

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Report(Observation{PID: 1, Exe: "target", ExceptionCode: "0xC0000005"})
	}()

	result, err := client.PollUntilCrashOrTimeout(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.Crash)
}

func TestPollUntilCrashOrTimeout_DeadlineExceededWithNoCrash(t *testing.T) {
	s := New()
	client := NewClient(newTestEndpoint(t, s))

	_, err := client.PollUntilCrashOrTimeout(context.Background(), 30*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
