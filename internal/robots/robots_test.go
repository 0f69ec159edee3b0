package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"activityharvest/internal/config"
)

func TestAgentAppliesAndCachesRules(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /athletes/private\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "*", CacheTTL: config.DurationFrom(time.Hour)}, srv.Client())
	allowed, err := url.Parse(srv.URL + "/activities/1/overview")
	require.NoError(t, err)
	denied, err := url.Parse(srv.URL + "/athletes/private")
	require.NoError(t, err)

	require.True(t, agent.Allowed(context.Background(), allowed))
	require.False(t, agent.Allowed(context.Background(), denied))
	require.Equal(t, int32(1), hits.Load())
}

func TestAgentDisabledOrUnreachable(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1/athletes/1")
	require.NoError(t, err)

	var nilAgent *Agent
	require.True(t, nilAgent.Allowed(context.Background(), target))

	off := NewAgent(config.RobotsConfig{Respect: false}, nil)
	require.True(t, off.Allowed(context.Background(), target))

	unreachable := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "*"}, &http.Client{Timeout: time.Second})
	require.True(t, unreachable.Allowed(context.Background(), target))
}
