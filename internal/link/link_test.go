package link

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vcutele/log2"
)

func TestSignal(t *testing.T) {
	t.Parallel()
	cases := []struct {
		link   bool
		broker bool
		expect bool
	}{
		{false, false, false},
		{true, false, false},
		{false, true, false},
		{true, true, true},
	}
	for _, c := range cases {
		s := &Signal{Log: log2.NewTest(t, log2.LDebug)}
		s.SetLink(c.link)
		s.SetBroker(c.broker)
		assert.Equal(t, c.expect, s.Ready(), s.String())
	}
}

func TestWatcher(t *testing.T) {
	t.Parallel()
	var up int32
	s := &Signal{}
	s.SetBroker(true)
	w := &Watcher{
		Interface: "wlan0",
		Interval:  time.Millisecond,
		Signal:    s,
		Log:       log2.NewTest(t, log2.LDebug),
		Check: func(name string) (bool, error) {
			if name != "wlan0" {
				return false, errors.NotFoundf("interface=%s", name)
			}
			return atomic.LoadInt32(&up) == 1, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, s.Ready())
	atomic.StoreInt32(&up, 1)
	require.Eventually(t, s.Ready, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestWatcherNoInterface(t *testing.T) {
	t.Parallel()
	s := &Signal{}
	s.SetBroker(true)
	(&Watcher{Signal: s}).Run(context.Background())
	assert.True(t, s.Ready())
}
