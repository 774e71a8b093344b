package relay

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/siddharth-movaliya/os-chat/logger"
)

// EnsureTopic creates the chat topic (and its quarantine sibling) if
// absent. Partition count and replication factor match the deployment
// assumption: 3 partitions, single broker.
func EnsureTopic(brokers []string, topic string, partitions int32, replicas int16) error {
	admin, err := sarama.NewClusterAdmin(brokers, buildProducerConfig())
	if err != nil {
		return errors.Wrap(err, "create cluster admin")
	}
	defer func() { _ = admin.Close() }()

	for _, t := range []string{topic, DLQTopic(topic)} {
		desc, derr := admin.DescribeTopics([]string{t})
		if derr == nil && len(desc) == 1 && desc[0].Err == sarama.ErrNoError {
			logger.Infof("[topic] exists: %s (partitions=%d)", t, len(desc[0].Partitions))
			continue
		}
		td := &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: replicas,
		}
		if err := admin.CreateTopic(t, td, false); err != nil {
			var te *sarama.TopicError
			if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
				logger.Infof("[topic] exists (race): %s", t)
				continue
			}
			return errors.Wrapf(err, "create topic %s", t)
		}
		logger.Infof("[topic] created: %s (partitions=%d, rf=%d)", t, partitions, replicas)
	}
	return nil
}

// DLQTopic is the quarantine topic paired with a chat topic.
func DLQTopic(topic string) string { return topic + ".dlq" }
