package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointPoolRoundRobin(t *testing.T) {
	ep := NewEndpointPool([]string{"http://a:8000", "http://b:8000"})
	require.Equal(t, 2, ep.Size())

	var got []string
	for i := 0; i < 4; i++ {
		u, err := ep.Next()
		require.NoError(t, err)
		got = append(got, u)
	}
	require.Equal(t, []string{"http://a:8000", "http://b:8000", "http://a:8000", "http://b:8000"}, got)
}

func TestEndpointPoolSkipsDown(t *testing.T) {
	ep := NewEndpointPool([]string{"http://a:8000", "http://b:8000"})
	ep.MarkDown("http://a:8000", time.Now().Add(time.Hour))

	for i := 0; i < 3; i++ {
		u, err := ep.Next()
		require.NoError(t, err)
		require.Equal(t, "http://b:8000", u)
	}
}

func TestEndpointPoolRecoversAfterRetryAt(t *testing.T) {
	ep := NewEndpointPool([]string{"http://a:8000"})
	ep.MarkDown("http://a:8000", time.Now().Add(-time.Second))

	u, err := ep.Next()
	require.NoError(t, err)
	require.Equal(t, "http://a:8000", u)
}

func TestEndpointPoolAllDown(t *testing.T) {
	ep := NewEndpointPool([]string{"http://a:8000"})
	ep.MarkDown("http://a:8000", time.Now().Add(time.Hour))

	_, err := ep.Next()
	require.Error(t, err)
}

func TestEndpointPoolEmpty(t *testing.T) {
	ep := NewEndpointPool(nil)
	_, err := ep.Next()
	require.Error(t, err)
}
