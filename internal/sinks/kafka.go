package sinks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/retry"
)

// TopicRule derives the output topic for a processed bundle from the topic
// it arrived on, via regex match/replace. An empty match expression always
// yields the default topic.
type TopicRule struct {
	MatchExpression string
	ReplaceWith     string
	Default         string

	compiled *regexp.Regexp
}

// Compile validates the rule's match expression. Must be called once before
// Derive.
func (r *TopicRule) Compile() error {
	if r.MatchExpression == "" {
		return nil
	}
	compiled, err := regexp.Compile(r.MatchExpression)
	if err != nil {
		return fmt.Errorf("compile output-topic expression: %w", err)
	}
	r.compiled = compiled
	return nil
}

// Derive returns the output topic for a bundle that arrived on inTopic.
func (r *TopicRule) Derive(inTopic string) string {
	if r.compiled == nil || inTopic == "" || !r.compiled.MatchString(inTopic) {
		return r.Default
	}
	return r.compiled.ReplaceAllString(inTopic, r.ReplaceWith)
}

// MessageWriter is the slice of kafka.Writer the sink uses, extracted so
// tests can capture messages.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Kafka publishes processed bundles to a broker topic, keyed by the first
// entry's identifying URL. The retry policy is chosen by the ingress path
// the sink serves: unbounded behind the Kafka consumer, which tolerates
// redelivery, bounded behind the synchronous HTTP pipeline.
type Kafka struct {
	writer   MessageWriter
	topics   TopicRule
	hashKeys bool
	hmacKey  []byte
	policy   retry.Policy
	logger   zerolog.Logger
	counter  retry.Counter
}

// NewKafka creates the broker sink. When hmacKey is non-empty, message keys
// are HMAC-SHA256 hashed before publishing so natural identifiers never
// appear as plain message keys. counter may be nil.
func NewKafka(writer MessageWriter, topics TopicRule, hmacKey []byte, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *Kafka {
	return &Kafka{
		writer:   writer,
		topics:   topics,
		hashKeys: len(hmacKey) > 0,
		hmacKey:  hmacKey,
		policy:   policy,
		logger:   logger.With().Str("component", "kafka-sink").Logger(),
		counter:  counter,
	}
}

// Name implements Sink.
func (s *Kafka) Name() string { return "kafka" }

// Save implements Sink, publishing to the default topic.
func (s *Kafka) Save(ctx context.Context, bundle *fhir.Bundle) error {
	return s.SaveToTopic(ctx, bundle, s.topics.Default)
}

// SaveToTopic publishes the bundle to an explicit topic. The Kafka ingress
// uses this with the topic derived from the inbound one.
func (s *Kafka) SaveToTopic(ctx context.Context, bundle *fhir.Bundle, topic string) error {
	// A writer without a default topic rejects empty-topic messages, so an
	// unresolved topic derivation is caught here instead of at the broker.
	if topic == "" {
		return fmt.Errorf("kafka sink: no output topic for bundle %s", bundle.ID)
	}

	key := firstIdentifyingURL(bundle)
	if key == "" {
		s.logger.Warn().Str("bundleId", bundle.ID).Msg("no identifiable resource in bundle, declining publish")
		return nil
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("kafka sink: encode bundle: %w", err)
	}

	messageKey := []byte(key)
	if s.hashKeys {
		messageKey = s.hashKey(messageKey)
	}

	s.logger.Debug().Str("key", key).Str("topic", topic).Msg("writing bundle")

	err = retry.Do(ctx, s.policy, s.logger, s.counter, func(ctx context.Context) error {
		return s.writer.WriteMessages(ctx, kafkago.Message{
			Topic: topic,
			Key:   messageKey,
			Value: payload,
		})
	})
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

func (s *Kafka) hashKey(key []byte) []byte {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(key)
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}

func firstIdentifyingURL(bundle *fhir.Bundle) string {
	for _, entry := range bundle.Entry {
		if url := entry.IdentifyingURL(); url != "" {
			return url
		}
	}
	return ""
}
