// Package consumer ingests resources from a Kafka topic and feeds them
// through the processing pipeline. Offsets are committed only after a
// message has been fully processed and republished, so a crash mid-bundle
// results in redelivery rather than loss.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/retry"
	"github.com/curanet/fhir-gateway/internal/sinks"
)

// MessageReader is the slice of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Processor runs a bundle through the processing pipeline.
type Processor interface {
	Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// Consumer drives the Kafka ingress loop. When a publisher is configured,
// processed bundles are republished to the topic derived from the inbound
// one; the publisher is held separately from the pipeline's sinks so the
// derivation can see the message's origin topic.
type Consumer struct {
	reader    MessageReader
	processor Processor
	publisher *sinks.Kafka
	topics    sinks.TopicRule
	policy    retry.Policy
	logger    zerolog.Logger
	counter   retry.Counter
}

// New creates a consumer. publisher may be nil when broker output is
// disabled. The policy should be unbounded: the async path prefers blocking
// a partition over losing data. counter may be nil.
func New(reader MessageReader, processor Processor, publisher *sinks.Kafka, topics sinks.TopicRule, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *Consumer {
	return &Consumer{
		reader:    reader,
		processor: processor,
		publisher: publisher,
		topics:    topics,
		policy:    policy,
		logger:    logger.With().Str("component", "consumer").Logger(),
		counter:   counter,
	}
}

// Run fetches and processes messages until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// handle processes one message. Malformed payloads and client-classified
// pipeline errors are logged and skipped so a poison message cannot stall
// the partition; everything else is retried under the consumer's policy.
func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) error {
	logger := c.logger.With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	// Tombstones carry deletion intent for compacted topics upstream and
	// nothing for us to process.
	if len(msg.Value) == 0 {
		logger.Debug().Msg("skipping tombstone")
		return nil
	}

	bundle, err := decodeMessage(msg.Value)
	if err != nil {
		logger.Error().Err(err).Msg("skipping undecodable message")
		return nil
	}

	var processed *fhir.Bundle
	err = retry.Do(ctx, c.policy, logger, c.counter, func(ctx context.Context) error {
		var procErr error
		processed, procErr = c.processor.Process(ctx, bundle)
		return procErr
	})
	if err != nil {
		if retry.Classify(err) == retry.KindClient {
			logger.Error().Err(err).Msg("skipping unprocessable message")
			return nil
		}
		return fmt.Errorf("process message at offset %d: %w", msg.Offset, err)
	}

	if c.publisher != nil {
		outTopic := c.topics.Derive(msg.Topic)
		if err := c.publisher.SaveToTopic(ctx, processed, outTopic); err != nil {
			return fmt.Errorf("republish to %s: %w", outTopic, err)
		}
	}

	return nil
}

// decodeMessage accepts either a bundle or a bare resource; bare resources
// are wrapped into a single-entry transaction bundle, matching how the HTTP
// ingress normalizes its input.
func decodeMessage(value []byte) (*fhir.Bundle, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(value, &probe); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if probe.ResourceType == "Bundle" {
		return fhir.ParseBundle(value)
	}

	res, err := fhir.ParseResource(value)
	if err != nil {
		return nil, err
	}
	return fhir.NewTransactionBundle(res, fhir.VerbPUT), nil
}
