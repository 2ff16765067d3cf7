package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"courier/internal/retry"
)

var producerMetrics = struct {
	PublishSuccess prometheus.Counter
	PublishErrors  prometheus.Counter
	PublishLatency prometheus.Histogram
}{
	PublishSuccess: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "producer", Name: "publish_success_total",
		Help: "Messages durably acknowledged by the broker",
	}),
	PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "producer", Name: "publish_errors_total",
		Help: "Sends failed past the retry budget",
	}),
	PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "courier", Subsystem: "producer", Name: "publish_latency_seconds",
		Help: "Send latency including retries", Buckets: prometheus.DefBuckets,
	}),
}

// Ack reports where the broker durably stored a message.
type Ack struct {
	Partition int32
	Offset    int64
}

// SendResult is the future-like handle returned by Send.
type SendResult struct {
	done chan struct{}
	ack  Ack
	err  error
}

// Done is closed once the send completed or failed.
func (r *SendResult) Done() <-chan struct{} { return r.done }

// Wait blocks until the broker acknowledged the message, the send failed,
// or ctx expired.
func (r *SendResult) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-r.done:
		return r.ack, r.err
	}
}

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (int32, int64, error)
	Close() error
}

type sendReq struct {
	ctx     context.Context
	payload []byte
	res     *SendResult
}

const sendBuffer = 256

// Producer publishes opaque payloads to one topic. Safe for concurrent
// Send calls; each returns an independent future. All sends funnel
// through one dispatch goroutine, so a send (including its retries)
// finishes before the next one starts and appends within a partition
// keep call order.
type Producer struct {
	topic    string
	prod     syncProducer
	retryCfg retry.Config
	log      *slog.Logger

	queue chan *sendReq
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

var errProducerClosed = errors.New("connector: producer closed")

func NewProducer(brokers []string, topic string, sc *sarama.Config, retryCfg retry.Config, log *slog.Logger) (*Producer, error) {
	prod, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connector: producer: %w", err)
	}
	p := &Producer{
		topic:    topic,
		prod:     prod,
		retryCfg: retryCfg,
		log:      log,
		queue:    make(chan *sendReq, sendBuffer),
		done:     make(chan struct{}),
	}
	go p.dispatch()
	log.Info("producer ready", "topic", topic, "brokers", brokers)
	return p, nil
}

// Send publishes payload asynchronously. On success the result carries the
// (partition, offset) the broker assigned; transient failures are retried
// up to the budget, after which the result fails with *UnavailableError.
func (p *Producer) Send(ctx context.Context, payload []byte) *SendResult {
	res := &SendResult{done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		res.err = errProducerClosed
		close(res.done)
		return res
	}
	// enqueue under the lock so Close never closes the queue mid-send
	p.queue <- &sendReq{ctx: ctx, payload: payload, res: res}
	p.mu.Unlock()
	return res
}

func (p *Producer) dispatch() {
	defer close(p.done)
	for req := range p.queue {
		p.deliver(req)
	}
}

func (p *Producer) deliver(req *sendReq) {
	defer close(req.res.done)

	start := time.Now()
	op := func(ctx context.Context) error {
		partition, offset, err := p.prod.SendMessage(&sarama.ProducerMessage{
			Topic: p.topic,
			Value: sarama.ByteEncoder(req.payload),
		})
		if err != nil {
			return classify(err)
		}
		req.res.ack = Ack{Partition: partition, Offset: offset}
		return nil
	}
	err := retry.Execute(req.ctx, p.retryCfg, p.log, op)
	producerMetrics.PublishLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			err = &UnavailableError{Op: "send", Err: ex.Err}
		}
		producerMetrics.PublishErrors.Inc()
		p.log.Error("send failed", "topic", p.topic, "error", err)
		req.res.err = err
		return
	}
	producerMetrics.PublishSuccess.Inc()
	p.log.Debug("send acknowledged", "topic", p.topic,
		"partition", req.res.ack.Partition, "offset", req.res.ack.Offset)
}

// Close waits for queued and in-flight sends to complete or fail, then
// releases the underlying client.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.prod.Close()
}
