package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/monitor"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// Dispatcher 异步写入sink：每个读数一个goroutine，不等待结果、不重试，
// 失败只记录日志，不会影响设备会话。
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	log     *logrus.Logger
	wg      sync.WaitGroup

	// mu 保证Close开始后不再有wg.Add
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		timeout: timeout,
		log:     log,
	}
}

// Dispatch 立即返回，Close之后的读数直接丢弃
func (d *Dispatcher) Dispatch(r protocol.Reading) {
	p := r.Point()

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		monitor.SinkSubmissions.WithLabelValues(d.sink.Name(), "dropped").Inc()
		d.log.Warnf("sink已关闭，丢弃 %s %s", p.Device, p.Metric)
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Submit(ctx, p); err != nil {
			monitor.SinkSubmissions.WithLabelValues(d.sink.Name(), "error").Inc()
			d.log.Errorf("写入 %s %s 到 %s 失败: %v", p.Device, p.Metric, d.sink.Name(), err)
			return
		}
		monitor.SinkSubmissions.WithLabelValues(d.sink.Name(), "ok").Inc()
		d.log.Debugf("写入 %s %s 到 %s", p.Device, p.Metric, d.sink.Name())
	}()
}

// Wait 等待所有在途写入完成，超时返回false
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close 等待在途写入后关闭sink
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if !d.Wait(timeout) {
		d.log.Warn("等待sink写入超时")
	}
	return d.sink.Close()
}
