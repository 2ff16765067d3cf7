// Package connector is the client-side layer between an application and a
// partitioned, replicated log broker: idempotent topic provisioning, an
// acknowledged producer path, and a consumer-group path with explicit
// commit coordination.
package connector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// ErrCommitRejected is returned when the poll deadline elapsed before the
// commit: the coordinator has already treated the consumer as dead and
// reassigned its partitions. Never retried automatically.
var ErrCommitRejected = errors.New("connector: commit rejected: poll deadline exceeded")

// ProvisioningError means the topic cannot be created: replication factor
// above the live broker count, or cluster unreachable past the retry
// budget. Fatal for the topic.
type ProvisioningError struct {
	Topic string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("connector: provision topic %q: %v", e.Topic, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// UnavailableError is surfaced once the retry budget is spent against an
// unreachable cluster.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("connector: %s: brokers unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

var retryableKErrors = []sarama.KError{
	sarama.ErrBrokerNotAvailable,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrRequestTimedOut,
	sarama.ErrNetworkException,
	sarama.ErrNotEnoughReplicas,
	sarama.ErrNotEnoughReplicasAfterAppend,
	sarama.ErrOffsetsLoadInProgress,
	sarama.ErrConsumerCoordinatorNotAvailable,
	sarama.ErrNotCoordinatorForConsumer,
}

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"dial tcp",
}

// retryable reports whether err is a transient broker failure worth
// feeding through the retry policy. Protocol rejections are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCommitRejected) {
		return false
	}
	if errors.Is(err, sarama.ErrOutOfBrokers) || errors.Is(err, sarama.ErrNotConnected) {
		return true
	}
	for _, ke := range retryableKErrors {
		if errors.Is(err, ke) {
			return true
		}
	}
	s := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
