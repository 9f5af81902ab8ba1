package kafka

import (
	"context"
	"strings"

	"github.com/azizikri/token-faucet/internal/config"
	"github.com/cockroachdb/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// EnsureTopics creates the request, DLQ and reply topics plus any extra
// topics (the ledger command topic, for one). Existing topics are left alone.
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config, logger *zap.SugaredLogger, extra ...string) error {
	adm := kadm.NewClient(client)

	var topics []string
	for _, topic := range RequestTopics() {
		topics = append(topics, topic, topic+TopicDLQSuffix)
	}
	topics = append(topics, ReplyTopic(cfg.KafkaInstanceID))
	topics = append(topics, extra...)

	partitions := cfg.TopicPartitions()
	dlqPartitions := cfg.DLQPartitions()
	replicationFactor := cfg.ReplicationFactor()

	for _, topic := range topics {
		p := partitions
		if strings.HasSuffix(topic, TopicDLQSuffix) {
			p = dlqPartitions
		}

		resp, err := adm.CreateTopics(ctx, int32(p), replicationFactor, nil, topic)
		if err != nil {
			return errors.Wrapf(err, "create topic %s", topic)
		}
		for _, detail := range resp {
			if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
				return errors.Wrapf(detail.Err, "create topic %s", detail.Topic)
			}
		}
	}

	logger.Infow("kafka topics ensured", "count", len(topics))
	return nil
}
