package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

type memorySink struct {
	mu     sync.Mutex
	points []protocol.Point
	err    error
	delay  time.Duration
	closed bool
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Submit(ctx context.Context, p protocol.Point) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
	return s.err
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func testReading(metric string, v protocol.Value) protocol.Reading {
	return protocol.Reading{
		Device: protocol.DeviceIdentity(0x1A2B3C4D5E),
		Metric: metric,
		Value:  v,
		Time:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDoesNotBlock(t *testing.T) {
	log, _ := test.NewNullLogger()
	sink := &memorySink{delay: 200 * time.Millisecond}
	d := NewDispatcher(sink, time.Second, log)

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Dispatch(testReading("cell_1", protocol.Millivolts(3300)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.True(t, d.Wait(2*time.Second))
	assert.Equal(t, 10, sink.count())
}

func TestDispatcherLogsSinkErrors(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &memorySink{err: errors.New("backend down")}
	d := NewDispatcher(sink, time.Second, log)

	d.Dispatch(testReading("current", protocol.Milliamps(-1000)))
	require.True(t, d.Wait(time.Second))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Contains(t, entry.Message, "backend down")

	require.NoError(t, d.Close(time.Second))
	assert.True(t, sink.closed)
}

func TestDispatcherTimeout(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &memorySink{delay: time.Second}
	d := NewDispatcher(sink, 20*time.Millisecond, log)

	d.Dispatch(testReading("RSOC", protocol.Count(90)))
	require.True(t, d.Wait(time.Second))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &memorySink{}
	d := NewDispatcher(sink, time.Second, log)

	require.NoError(t, d.Close(time.Second))
	d.Dispatch(testReading("cell_3", protocol.Millivolts(3302)))

	assert.True(t, d.Wait(time.Second))
	assert.Equal(t, 0, sink.count())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "cell_3")

	// 重复关闭无副作用
	assert.NoError(t, d.Close(time.Second))
}

func TestDispatcherCloseWhileDispatching(t *testing.T) {
	log, _ := test.NewNullLogger()
	sink := &memorySink{delay: 5 * time.Millisecond}
	d := NewDispatcher(sink, time.Second, log)

	stop := make(chan struct{})
	var producers sync.WaitGroup
	for i := 0; i < 4; i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Dispatch(testReading("cell_1", protocol.Millivolts(3300)))
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Close(2*time.Second))
	accepted := sink.count()
	assert.True(t, sink.closed)

	close(stop)
	producers.Wait()
	// 关闭后没有新的写入
	assert.Equal(t, accepted, sink.count())
}

func TestMultiSink(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{err: errors.New("nope")}
	m := NewMultiSink(a, b)

	err := m.Submit(context.Background(), testReading("cell_2", protocol.Millivolts(1)).Point())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory: nope")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNewSinkLogOnly(t *testing.T) {
	log, hook := test.NewNullLogger()
	s, err := NewSink(config.SinkConfig{Kinds: []string{config.SinkLog}}, log)
	require.NoError(t, err)
	assert.Equal(t, config.SinkLog, s.Name())

	require.NoError(t, s.Submit(context.Background(), testReading("cell_3", protocol.Millivolts(3301)).Point()))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "0x1a2b3c4d5e", entry.Data["device"])
	assert.Equal(t, "cell_3", entry.Data["metric"])

	_, err = NewSink(config.SinkConfig{Kinds: []string{"kafka"}}, log)
	assert.Error(t, err)
}

func TestInfluxSinkWritesLineProtocol(t *testing.T) {
	var (
		mu      sync.Mutex
		body    string
		auth    string
		query   map[string]string
		written = make(chan struct{}, 1)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		auth = r.Header.Get("Authorization")
		query = map[string]string{
			"org":       r.URL.Query().Get("org"),
			"bucket":    r.URL.Query().Get("bucket"),
			"precision": r.URL.Query().Get("precision"),
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		written <- struct{}{}
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	s := NewInfluxSink(config.InfluxConfig{
		URL:         srv.URL,
		Token:       "secret",
		Org:         "kideasoft",
		Bucket:      "env-sensor-data",
		Measurement: "powermax_b5120",
	}, log)
	defer s.Close()

	err := s.Submit(context.Background(), testReading("temperature_1", protocol.CentiDegrees(2345)).Point())
	require.NoError(t, err)

	select {
	case <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("no write received")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, "powermax_b5120,location=0x1a2b3c4d5e temperature_1=23.45")
	assert.Equal(t, "Token secret", auth)
	assert.Equal(t, "kideasoft", query["org"])
	assert.Equal(t, "env-sensor-data", query["bucket"])
	assert.Equal(t, "ms", query["precision"])
}

func TestInfluxSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unauthorized","message":"unauthorized access"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	s := NewInfluxSink(config.InfluxConfig{URL: srv.URL, Org: "o", Bucket: "b", Measurement: "m"}, log)
	defer s.Close()

	err := s.Submit(context.Background(), testReading("cell_1", protocol.Millivolts(3300)).Point())
	assert.Error(t, err)
}

func TestMessageQueuePublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()

	mq, err := NewMessageQueue(config.RedisConfig{Addr: mr.Addr(), Channel: "bms_readings", PoolSize: 4}, log)
	require.NoError(t, err)
	defer mq.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(context.Background(), "bms_readings")
	defer ps.Close()
	_, err = ps.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, mq.Submit(context.Background(), testReading("pack_status", protocol.RawStatus(3)).Point()))

	select {
	case msg := <-ps.Channel():
		var p protocol.Point
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &p))
		assert.Equal(t, "0x1a2b3c4d5e", p.Device)
		assert.Equal(t, "pack_status", p.Metric)
		assert.Equal(t, 3.0, p.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	assert.GreaterOrEqual(t, mq.GetStats().TotalConns, uint32(1))
}

func TestMessageQueueUnreachable(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewMessageQueue(config.RedisConfig{Addr: "127.0.0.1:1", Channel: "x"}, log)
	assert.Error(t, err)
}

func TestMQTTTopic(t *testing.T) {
	p := testReading("cell_16", protocol.Millivolts(3290)).Point()
	assert.Equal(t, "bms/0x1a2b3c4d5e/cell_16", Topic("bms", p))
	assert.Equal(t, "0x1a2b3c4d5e/cell_16", Topic("", p))
	assert.Equal(t, "3290", FormatValue(p.Value))
	assert.Equal(t, "-12.5", FormatValue(-12.5))
}
