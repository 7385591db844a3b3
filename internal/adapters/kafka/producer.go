package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

// Producer handles Kafka message publishing
type Producer struct {
	mu          sync.Mutex
	writers     map[string]*kafka.Writer
	brokers     []string
	topicPrefix string
	timeout     time.Duration
	log         *logger.Logger
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers []string
	// TopicPrefix is prepended as "<prefix>.<topic>" when set
	TopicPrefix  string
	WriteTimeout time.Duration
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Producer{
		writers:     make(map[string]*kafka.Writer),
		brokers:     cfg.Brokers,
		topicPrefix: cfg.TopicPrefix,
		timeout:     cfg.WriteTimeout,
		log:         logger.Get().With("component", "kafka_producer"),
	}
}

// Topic returns the fully qualified topic name
func (p *Producer) Topic(topic string) string {
	return qualify(p.topicPrefix, topic)
}

func qualify(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// getWriter returns or creates a writer for a topic
func (p *Producer) getWriter(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // same account and symbol stay ordered
		WriteTimeout:           p.timeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}

	p.writers[topic] = w
	return w
}

// Publish sends a JSON encoded event to a topic
func (p *Producer) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}

	full := p.Topic(topic)
	if err := p.getWriter(full).WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", full)
	}

	p.log.Debugf("Published to %s: %s", full, key)
	return nil
}

// Close closes all writers
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs errors.MultiError
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.log.Errorf("Failed to close writer for %s: %v", topic, err)
			errs.Add(err)
		}
		delete(p.writers, topic)
	}
	return errs.ToError()
}
