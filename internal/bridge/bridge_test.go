package bridge

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/hardware/uart"
	"github.com/temoto/vcutele/internal/dispatch"
	"github.com/temoto/vcutele/internal/metrics"
	"github.com/temoto/vcutele/internal/snapshot"
	"github.com/temoto/vcutele/log2"
)

type gate struct{ v int32 }

func (g *gate) Ready() bool   { return atomic.LoadInt32(&g.v) == 1 }
func (g *gate) set(ready bool) {
	v := int32(0)
	if ready {
		v = 1
	}
	atomic.StoreInt32(&g.v, v)
}

// recorder optionally blocks every Publish until release is closed.
type recorder struct {
	sync.Mutex
	release chan struct{}
	active  int32
	max     int32
	msgs    []dispatch.Message
}

func (r *recorder) Publish(ctx context.Context, topic string, payload []byte) error {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	r.Lock()
	if n > r.max {
		r.max = n
	}
	release := r.release
	r.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.Lock()
	r.msgs = append(r.msgs, dispatch.Message{Topic: topic, Payload: payload})
	r.Unlock()
	return nil
}

func (r *recorder) payload(topic string) []byte {
	r.Lock()
	defer r.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Topic == topic {
			return r.msgs[i].Payload
		}
	}
	return nil
}

func (r *recorder) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.msgs)
}

func newTestBridge(t testing.TB, pub dispatch.Publisher, g Gate) *Bridge {
	log := log2.NewTest(t, log2.LDebug)
	return New(Options{
		Log:        log,
		Metrics:    metrics.New(),
		Gate:       g,
		Dispatcher: &dispatch.Dispatcher{Log: log, Pub: pub, Timeout: time.Second},
	})
}

func speedFrame(v float32) frame.Frame { return frame.Frame{VehicleSpeed: v} }

func TestHandleFrameLatestWins(t *testing.T) {
	t.Parallel()
	pub := &recorder{release: make(chan struct{})}
	g := &gate{}
	g.set(true)
	b := newTestBridge(t, pub, g)
	ctx := context.Background()

	require.True(t, b.HandleFrame(ctx, speedFrame(1)))
	assert.Equal(t, snapshot.Publishing, b.Store().State())
	for i := 2; i <= 5; i++ {
		assert.False(t, b.HandleFrame(ctx, speedFrame(float32(i))), "frame %d during pass", i)
	}
	assert.Equal(t, float32(5), b.Store().Read().Frame.VehicleSpeed, "store holds latest")

	close(pub.release)
	b.Wait()
	assert.Equal(t, snapshot.Idle, b.Store().State())
	assert.Equal(t, dispatch.FloatPayload(1), pub.payload(dispatch.TopicVehicleSpeed), "pass publishes frame it started with")
	assert.Equal(t, int32(1), pub.max)

	require.True(t, b.HandleFrame(ctx, speedFrame(6)))
	b.Wait()
	assert.Equal(t, dispatch.FloatPayload(6), pub.payload(dispatch.TopicVehicleSpeed))
	assert.Equal(t, Stats{Coalesced: 4, Passes: 2}, b.Stats())
}

func TestHandleFrameGated(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	g := &gate{}
	b := newTestBridge(t, pub, g)
	ctx := context.Background()

	assert.False(t, b.HandleFrame(ctx, speedFrame(1)))
	assert.False(t, b.HandleFrame(ctx, speedFrame(2)))
	b.Wait()
	assert.Equal(t, 0, pub.count(), "nothing published while gate closed")
	assert.Equal(t, snapshot.Idle, b.Store().State())
	assert.Equal(t, float32(2), b.Store().Read().Frame.VehicleSpeed, "snapshot still updated")

	g.set(true)
	require.True(t, b.HandleFrame(ctx, speedFrame(3)))
	b.Wait()
	assert.Equal(t, 10, pub.count(), "no backlog replayed after gate opens")
	assert.Equal(t, dispatch.FloatPayload(3), pub.payload(dispatch.TopicVehicleSpeed))
	assert.Equal(t, uint64(2), b.Stats().Gated)
}

func TestSinglePublisherConcurrent(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	b := newTestBridge(t, pub, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.HandleFrame(ctx, speedFrame(float32(i*100+j)))
			}
		}(i)
	}
	wg.Wait()
	b.Wait()
	assert.Equal(t, int32(1), pub.max, "never more than one publish in flight")
	assert.Equal(t, snapshot.Idle, b.Store().State())
	st := b.Stats()
	assert.Equal(t, uint64(400), st.Passes+st.Coalesced)
}

func TestRun(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	b := newTestBridge(t, pub, nil)
	port := uart.NewMock(5 * time.Millisecond)

	corrupt := frame.Encode(speedFrame(7))
	corrupt[len(corrupt)-1] ^= 0xff
	badLength := frame.Encode(speedFrame(9))
	badLength[2] = frame.PayloadSize - 1
	port.Push([]byte{0x00, 0x13, 0x37})
	port.Push(frame.Encode(speedFrame(42.5)))
	port.Push(corrupt)
	port.Push(badLength)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, frame.NewReader(port)) }()

	require.Eventually(t, func() bool { return pub.count() == 10 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, dispatch.FloatPayload(42.5), pub.payload(dispatch.TopicVehicleSpeed))
	require.Eventually(t, func() bool { return b.Stats().Checksum == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().Invalid == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, float32(42.5), b.Store().Read().Frame.VehicleSpeed, "corrupt frame never applied")
	expectErrors := `
# HELP vcutele_frame_errors_total Rejected serial reads by kind.
# TYPE vcutele_frame_errors_total counter
vcutele_frame_errors_total{kind="checksum"} 1
vcutele_frame_errors_total{kind="framing"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(b.opt.Metrics.Registry(), strings.NewReader(expectErrors), "vcutele_frame_errors_total"))

	port.Fail(io.ErrUnexpectedEOF)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after read error")
	}
	assert.Equal(t, uint64(1), b.Stats().Decoded)
}

func TestRunCancel(t *testing.T) {
	t.Parallel()
	pub := &recorder{release: make(chan struct{})}
	b := newTestBridge(t, pub, nil)
	port := uart.NewMock(5 * time.Millisecond)
	port.Push(frame.Encode(speedFrame(1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, frame.NewReader(port)) }()
	require.Eventually(t, func() bool { return b.Store().State() == snapshot.Publishing }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, snapshot.Idle, b.Store().State(), "in-flight pass finished before Run returned")
}
