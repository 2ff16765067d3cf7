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
)

var consumerMetrics = struct {
	RecordsFetched  prometheus.Counter
	CommitsOK       prometheus.Counter
	CommitsRejected prometheus.Counter
}{
	RecordsFetched: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "consumer", Name: "records_fetched_total",
		Help: "Records handed to the application by Peek",
	}),
	CommitsOK: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "consumer", Name: "commits_total",
		Help: "Successful offset commits",
	}),
	CommitsRejected: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "consumer", Name: "commits_rejected_total",
		Help: "Commits rejected because the poll deadline elapsed",
	}),
}

// Record is one entry of the log as observed by a consumer. Offsets are
// broker-assigned, monotonically increasing per partition, never reused.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// groupSession is the slice of sarama.ConsumerGroupSession the commit path
// touches.
type groupSession interface {
	MarkOffset(topic string, partition int32, offset int64, metadata string)
	Commit()
}

// consumerGroup is the slice of sarama.ConsumerGroup the consumer drives.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

const fetchBuffer = 1024

// sessionWait bounds how long Commit waits for a rebalance to settle
// before giving up on the round trip.
var sessionWait = 2 * time.Second

// resumeDelay spaces out session re-entry after a transient failure.
var resumeDelay = 200 * time.Millisecond

// Consumer joins a consumer group for one topic, polls records without
// advancing the committed position, and commits separately. Peek and
// Commit are serialized internally; concurrent callers queue.
//
// Fetched-but-uncommitted records stay pending and are re-returned by
// every Peek until a Commit succeeds. The committed floor guarantees that
// no record below it is ever returned again.
type Consumer struct {
	topic    string
	groupID  string
	deadline time.Duration
	log      *slog.Logger

	cl     sarama.Client
	group  consumerGroup
	cancel context.CancelFunc

	records chan Record

	sessMu sync.Mutex
	sess   groupSession

	mu        sync.Mutex
	pending   []Record
	fetchPos  map[int32]int64 // next expected offset per partition
	committed map[int32]int64 // durable floor per partition
	lastPoll  time.Time
}

func NewConsumer(brokers []string, topic, groupID string, sc *sarama.Config, deadline time.Duration, log *slog.Logger) (*Consumer, error) {
	cl, err := sarama.NewClient(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connector: consumer client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(groupID, cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("connector: consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		topic:     topic,
		groupID:   groupID,
		deadline:  deadline,
		log:       log,
		cl:        cl,
		group:     group,
		cancel:    cancel,
		records:   make(chan Record, fetchBuffer),
		fetchPos:  make(map[int32]int64),
		committed: make(map[int32]int64),
	}
	go c.run(runCtx)
	go c.drainErrors(runCtx)
	log.Info("consumer joined", "topic", topic, "group", groupID)
	return c, nil
}

// run re-enters the group session until the consumer is closed. Leader
// loss and rebalances end a session; the next iteration reconnects once a
// reachable replica exists, so in-flight Peek/Commit callers just block
// within their own wait budgets.
func (c *Consumer) run(ctx context.Context) {
	handler := &groupHandler{c: c}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.log.Warn("consume session ended", "group", c.groupID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(resumeDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) drainErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.log.Warn("consumer group error", "group", c.groupID, "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// Peek blocks up to maxWait for at least one newly fetched record, then
// returns every record fetched since the last successful commit — the
// pending set keeps accumulating until Commit succeeds. An empty slice on
// timeout is not an error. Each call refreshes the poll deadline.
func (c *Consumer) Peek(ctx context.Context, maxWait time.Duration) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// take what is already buffered before racing ctx against the wait
	select {
	case rec := <-c.records:
		c.ingest(rec)
	default:
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		select {
		case rec := <-c.records:
			c.ingest(rec)
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		select {
		case rec := <-c.records:
			c.ingest(rec)
			continue
		default:
		}
		break
	}

	c.lastPoll = time.Now()
	out := make([]Record, len(c.pending))
	copy(out, c.pending)
	consumerMetrics.RecordsFetched.Add(float64(len(out)))
	return out, nil
}

// ingest advances the client-local fetch position. Records the broker
// re-delivers after a rebalance, and records below another member's
// committed floor, are dropped. Caller holds c.mu.
func (c *Consumer) ingest(rec Record) {
	if next, ok := c.fetchPos[rec.Partition]; ok && rec.Offset < next {
		return
	}
	if floor, ok := c.committed[rec.Partition]; ok && rec.Offset < floor {
		return
	}
	c.pending = append(c.pending, rec)
	c.fetchPos[rec.Partition] = rec.Offset + 1
}

// Commit durably advances the group offset to the current fetch position.
// Once the poll deadline has elapsed since the last successful Peek the
// coordinator has already reassigned the partitions: Commit fails with
// ErrCommitRejected, the durable offset is untouched, and the pending set
// remains for re-delivery through subsequent Peeks.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastPoll.IsZero() && time.Since(c.lastPoll) > c.deadline {
		consumerMetrics.CommitsRejected.Inc()
		c.log.Warn("commit rejected", "group", c.groupID,
			"since_poll", time.Since(c.lastPoll), "deadline", c.deadline)
		return ErrCommitRejected
	}
	if len(c.pending) == 0 {
		return nil
	}

	sess, err := c.awaitSession(ctx)
	if err != nil {
		return err
	}

	high := make(map[int32]int64, len(c.fetchPos))
	for _, r := range c.pending {
		if r.Offset+1 > high[r.Partition] {
			high[r.Partition] = r.Offset + 1
		}
	}
	for partition, next := range high {
		sess.MarkOffset(c.topic, partition, next, "")
		c.committed[partition] = next
	}
	sess.Commit()

	consumerMetrics.CommitsOK.Inc()
	c.log.Debug("offsets committed", "group", c.groupID, "partitions", len(high),
		"records", len(c.pending))
	c.pending = c.pending[:0]
	return nil
}

// awaitSession waits one rebalance round for a live session. Caller holds
// c.mu; the session pointer is written by the group handler.
func (c *Consumer) awaitSession(ctx context.Context) (groupSession, error) {
	deadline := time.NewTimer(sessionWait)
	defer deadline.Stop()
	for {
		c.sessMu.Lock()
		sess := c.sess
		c.sessMu.Unlock()
		if sess != nil {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &UnavailableError{Op: "commit", Err: errors.New("no active group session")}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Consumer) setSession(s groupSession) {
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
}

// Close leaves the group cleanly, triggering an immediate rebalance, and
// releases the client.
func (c *Consumer) Close() error {
	c.cancel()
	err := c.group.Close()
	if cerr := c.cl.Close(); err == nil {
		err = cerr
	}
	c.log.Info("consumer closed", "topic", c.topic, "group", c.groupID)
	return err
}

type groupHandler struct {
	c *Consumer
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.c.setSession(sess)
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.c.setSession(nil)
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := Record{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
			}
			select {
			case h.c.records <- rec:
			case <-sess.Context().Done():
				return sess.Context().Err()
			}
		case <-sess.Context().Done():
			return sess.Context().Err()
		}
	}
}
