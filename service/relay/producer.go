package relay

import (
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"

	"github.com/siddharth-movaliya/os-chat/model"
	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// Producer sequences outbound messages into the durable log. Failure is
// surfaced to the caller; there is no local buffering or retry beyond
// what sarama itself provides.
type Producer interface {
	Publish(msg *model.OutboundMessage) error
}

func buildProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	// Key controls the partition: all records for one receiver land in
	// one partition, in send order.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// KafkaProducer is the sarama-backed Producer.
type KafkaProducer struct {
	topic string
	sp    sarama.SyncProducer
}

func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	sp, err := sarama.NewSyncProducer(brokers, buildProducerConfig())
	if err != nil {
		return nil, errs.Wrap(err, "create sync producer")
	}
	return &KafkaProducer{topic: topic, sp: sp}, nil
}

func (p *KafkaProducer) Publish(msg *model.OutboundMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return errs.ErrPublishFailed.WithDetail(err.Error())
	}
	_, _, err = p.sp.SendMessage(&sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(msg.ReceiverID),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.UnixMilli(msg.Timestamp),
	})
	if err != nil {
		return errs.ErrPublishFailed.WithDetail(err.Error())
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.sp.Close()
}
