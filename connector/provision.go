package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"courier/internal/retry"
)

// clusterAdmin is the slice of sarama.ClusterAdmin the provisioner needs.
type clusterAdmin interface {
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	DescribeCluster() ([]*sarama.Broker, int32, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// Provisioner ensures topics exist with a target replication factor before
// any send/poll traffic is allowed.
type Provisioner struct {
	admin    clusterAdmin
	retryCfg retry.Config
	log      *slog.Logger
}

func NewProvisioner(brokers []string, sc *sarama.Config, retryCfg retry.Config, log *slog.Logger) (*Provisioner, error) {
	admin, err := sarama.NewClusterAdmin(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connector: cluster admin: %w", err)
	}
	return &Provisioner{admin: admin, retryCfg: retryCfg, log: log}, nil
}

// EnsureTopic is idempotent: an existing topic wins immediately whatever
// its settings (existing configuration is authoritative). A replication
// factor above the live broker count fails without attempting creation;
// transient cluster errors are retried up to the budget.
func (p *Provisioner) EnsureTopic(ctx context.Context, name string, partitions int32, replicationFactor int16) error {
	op := func(ctx context.Context) error {
		meta, err := p.admin.DescribeTopics([]string{name})
		if err != nil {
			return classify(err)
		}
		if len(meta) == 1 && meta[0].Err == sarama.ErrNoError {
			p.log.Debug("topic already exists", "topic", name)
			return nil
		}

		brokers, _, err := p.admin.DescribeCluster()
		if err != nil {
			return classify(err)
		}
		if int(replicationFactor) > len(brokers) {
			return retry.Abort(&ProvisioningError{
				Topic: name,
				Err:   fmt.Errorf("replication factor %d exceeds %d live brokers", replicationFactor, len(brokers)),
			})
		}

		err = p.admin.CreateTopic(name, &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		}, false)
		var te *sarama.TopicError
		if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
			// lost a creation race, same outcome
			return nil
		}
		if err != nil {
			return classify(err)
		}
		p.log.Info("topic created", "topic", name,
			"partitions", partitions, "replication_factor", replicationFactor)
		return nil
	}

	if err := retry.Execute(ctx, p.retryCfg, p.log, op); err != nil {
		var pe *ProvisioningError
		if errors.As(err, &pe) {
			return pe
		}
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			return &ProvisioningError{Topic: name, Err: &UnavailableError{Op: "provision", Err: ex.Err}}
		}
		return &ProvisioningError{Topic: name, Err: err}
	}
	return nil
}

func (p *Provisioner) Close() error { return p.admin.Close() }

// classify aborts the retry loop for anything that is not a transient
// broker failure.
func classify(err error) error {
	if retryable(err) {
		return err
	}
	return retry.Abort(err)
}
