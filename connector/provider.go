package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/IBM/sarama"

	"courier/internal/config"
)

// ParseBrokers splits a comma-separated host:port list into endpoints.
func ParseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Provider composes provisioning, producers and consumers over one broker
// cluster. Construction provisions every declared topic; a failed topic is
// fatal and no connector is handed out for it.
type Provider struct {
	cfg  config.Config
	log  *slog.Logger
	prov *Provisioner

	mu        sync.Mutex
	closed    bool
	producers []*Producer
	consumers []*Consumer
}

func NewProvider(ctx context.Context, cfg config.Config, topics []config.TopicSpec, log *slog.Logger) (*Provider, error) {
	config.ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}
	prov, err := NewProvisioner(cfg.Brokers, sc, cfg.Retry, log)
	if err != nil {
		return nil, err
	}

	p := &Provider{cfg: cfg, log: log, prov: prov}
	for _, t := range topics {
		if err := p.ensure(ctx, t); err != nil {
			_ = prov.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) ensure(ctx context.Context, t config.TopicSpec) error {
	partitions := t.Partitions
	if partitions == 0 {
		partitions = p.cfg.Partitions
	}
	rf := t.ReplicationFactor
	if rf == 0 {
		rf = p.cfg.ReplicationFactor
	}
	return p.prov.EnsureTopic(ctx, t.Name, partitions, rf)
}

// EnsureTopic provisions one more topic with the connector defaults.
func (p *Provider) EnsureTopic(ctx context.Context, name string) error {
	return p.ensure(ctx, config.TopicSpec{Name: name})
}

var errProviderClosed = errors.New("connector: provider closed")

// Producer opens a producer connector for topic.
func (p *Provider) Producer(topic string) (*Producer, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	sc, err := producerConfig(p.cfg)
	if err != nil {
		return nil, err
	}
	prod, err := NewProducer(p.cfg.Brokers, topic, sc, p.cfg.Retry, p.log)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = prod.Close()
		return nil, errProviderClosed
	}
	p.producers = append(p.producers, prod)
	p.mu.Unlock()
	return prod, nil
}

// Consumer joins groupID for topic.
func (p *Provider) Consumer(topic, groupID string) (*Consumer, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	sc, err := consumerConfig(p.cfg)
	if err != nil {
		return nil, err
	}
	cons, err := NewConsumer(p.cfg.Brokers, topic, groupID, sc, p.cfg.PollDeadline, p.log)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = cons.Close()
		return nil, errProviderClosed
	}
	p.consumers = append(p.consumers, cons)
	p.mu.Unlock()
	return cons, nil
}

func (p *Provider) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errProviderClosed
	}
	return nil
}

// Close releases every connector and the admin handle exactly once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for _, c := range p.consumers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	for _, prod := range p.producers {
		if cerr := prod.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := p.prov.Close(); err == nil {
		err = cerr
	}
	return err
}

// ---------------------------------------------------------------------------
// sarama configs
// ---------------------------------------------------------------------------

func baseConfig(cfg config.Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("connector: kafka version: %w", err)
	}
	sc.Version = ver
	sc.ClientID = cfg.ClientID
	return sc, nil
}

func producerConfig(cfg config.Config) (*sarama.Config, error) {
	sc, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.RequiredAcks {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("connector: invalid required_acks %q", cfg.RequiredAcks)
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc, nil
}

func consumerConfig(cfg config.Config) (*sarama.Config, error) {
	sc, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = cfg.PollDeadline
	sc.Consumer.Group.Heartbeat.Interval = cfg.PollDeadline / 3
	sc.Consumer.MaxProcessingTime = cfg.PollDeadline
	return sc, nil
}
