package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/model"
	"github.com/siddharth-movaliya/os-chat/service/storage"
	"github.com/siddharth-movaliya/os-chat/tools/errs"
	"github.com/siddharth-movaliya/os-chat/tools/safe"
)

// Quarantine receives records that can never be processed: payloads that
// fail to deserialize, and records whose persistence kept failing past
// the retry cap. A nil Quarantine makes the consumer withhold the offset
// instead, which means redelivery after the next rebalance.
type Quarantine interface {
	Publish(msg *sarama.ConsumerMessage) error
}

// DLQPublisher quarantines records onto the paired .dlq topic, keeping
// the original key and value.
type DLQPublisher struct {
	topic string
	sp    sarama.SyncProducer
}

func NewDLQPublisher(brokers []string, chatTopic string) (*DLQPublisher, error) {
	sp, err := sarama.NewSyncProducer(brokers, buildProducerConfig())
	if err != nil {
		return nil, errs.Wrap(err, "create dlq producer")
	}
	return &DLQPublisher{topic: DLQTopic(chatTopic), sp: sp}, nil
}

func (q *DLQPublisher) Publish(msg *sarama.ConsumerMessage) error {
	_, _, err := q.sp.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	})
	return errs.Wrap(err, "quarantine record")
}

func (q *DLQPublisher) Close() error { return q.sp.Close() }

// Consumer runs the durable side of the relay: one consumer group member
// that persists each record in offset order per partition and commits
// offset+1 only after the store accepted it. The commit is the only
// durability checkpoint; a crash between persist and commit yields a
// duplicate persisted row on redelivery (documented at-least-once).
type Consumer struct {
	topic        string
	group        sarama.ConsumerGroup
	store        storage.MessageStore
	quarantine   Quarantine
	retryMax     int
	retryBackoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func buildConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	// Subscribe from the current position only: a fresh pipeline must not
	// resurrect old traffic.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	// Commits are explicit, after successful persistence.
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

func NewConsumer(brokers []string, groupID, topic string, store storage.MessageStore, q Quarantine, retryMax int, retryBackoff time.Duration) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, buildConsumerConfig())
	if err != nil {
		return nil, errs.Wrap(err, "create consumer group")
	}
	return &Consumer{
		topic:        topic,
		group:        group,
		store:        store,
		quarantine:   q,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		done:         make(chan struct{}),
	}, nil
}

// Start runs the consume loop until Stop. Rejoin after an error or a
// rebalance resumes from the last committed offset.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	safe.Go("relay-consumer-errors", func() {
		for err := range c.group.Errors() {
			logger.Error("relay: consumer group error", zap.Error(err))
		}
	})

	safe.Go("relay-consumer", func() {
		defer close(c.done)
		h := &groupHandler{c: c}
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
				logger.Error("relay: consume session ended", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
		}
	})
}

// Stop lets the in-flight record finish, then releases the group
// membership so a rebalancing peer resumes from the last committed
// offset.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return c.group.Close()
}

type groupHandler struct {
	c *Consumer
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	logger.Infof("relay: consumer group session up member=%s gen=%d", s.MemberID(), s.GenerationID())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("relay: consumer group session cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.c.HandleRecord(session, msg); err != nil {
			// Offset withheld; the record is redelivered after rejoin.
			return err
		}
	}
	return nil
}

// HandleRecord processes one sequenced record: deserialize, persist,
// commit offset+1. Persistence failures are retried in place up to the
// cap (head-of-line blocking per partition is intentional), then the
// record is quarantined and the offset advances.
func (c *Consumer) HandleRecord(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	var m model.OutboundMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		logger.Error("relay: malformed record",
			zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset), zap.Error(err))
		// Retrying a parse failure can never succeed.
		return c.giveUp(session, msg)
	}

	var persistErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-session.Context().Done():
				return session.Context().Err()
			case <-time.After(c.retryBackoff):
			}
		}
		persistErr = c.store.Append(session.Context(), m.SenderID, m.ReceiverID, m.Content, time.UnixMilli(m.Timestamp))
		if persistErr == nil {
			break
		}
		logger.Warn("relay: persist failed",
			zap.Int("attempt", attempt+1), zap.Int64("offset", msg.Offset), zap.Error(persistErr))
	}
	if persistErr != nil {
		return c.giveUp(session, msg)
	}

	c.commit(session, msg)
	return nil
}

// giveUp quarantines a poison record and advances the offset. Without a
// quarantine sink the offset is withheld instead.
func (c *Consumer) giveUp(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	if c.quarantine == nil {
		return errs.ErrConsumerProcessing.WithDetail("no quarantine sink, withholding offset")
	}
	if err := c.quarantine.Publish(msg); err != nil {
		return errs.ErrConsumerProcessing.WithDetail(err.Error())
	}
	logger.Warn("relay: record quarantined",
		zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))
	c.commit(session, msg)
	return nil
}

func (c *Consumer) commit(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	session.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
	session.Commit()
}
