package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Config configures franz-go clients.
type Config struct {
	Brokers []string
	// Group prefixes the consumer group of each topic: "<Group>.<topic>".
	Group       string
	ClientID    string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	Compression []kgo.CompressionCodec
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoReader struct {
	cl     *kgo.Client
	logger *slog.Logger
}

func (r *kgoReader) Poll(ctx context.Context) ([]Record, error) {
	fetches := r.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) {
			continue
		}

		r.logger.Warn("fetch error", "topic", fe.Topic, "partition", fe.Partition, "err", fe.Err)
	}

	return recordsOf(fetches), nil
}

func (r *kgoReader) Mark(rec Record) {
	if raw, ok := rec.raw.(*kgo.Record); ok {
		r.cl.MarkCommitRecords(raw)
	}
}

func (r *kgoReader) Ping(ctx context.Context) error { return r.cl.Ping(ctx) }

func (r *kgoReader) Close() { r.cl.Close() }

func recordsOf(fetches kgo.Fetches) []Record {
	var out []Record

	fetches.EachRecord(func(kr *kgo.Record) {
		var h map[string]string
		if len(kr.Headers) > 0 {
			h = make(map[string]string, len(kr.Headers))
			for _, kh := range kr.Headers {
				h[kh.Key] = string(kh.Value)
			}
		}

		out = append(out, Record{
			Topic:     kr.Topic,
			Partition: kr.Partition,
			Offset:    kr.Offset,
			Key:       kr.Key,
			Value:     kr.Value,
			Headers:   h,
			raw:       kr,
		})
	})

	return out
}

func (cfg Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.AllowAutoTopicCreation()}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	return opts
}

func (cfg Config) producerOpts() []kgo.Opt {
	opts := cfg.baseOpts()

	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	return opts
}

// readerFactory opens one consumer client per topic.
func (cfg Config) readerFactory(logger *slog.Logger) ReaderFactory {
	group := cfg.Group
	if group == "" {
		group = "scgbus"
	}

	return func(topic string) (Reader, error) {
		opts := append(cfg.baseOpts(),
			kgo.ConsumerGroup(group+"."+topic),
			kgo.ConsumeTopics(topic),
			kgo.AutoCommitMarks(),
		)

		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer for %s: %w", topic, err)
		}

		return &kgoReader{cl: cl, logger: logger.With("topic", topic)}, nil
	}
}

// NewWithKgo builds a franz-go backed Transport. Close releases the producer client;
// consumer clients close with their subscriptions.
func NewWithKgo(cfg Config, logger *slog.Logger) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers required: %w", berr.ErrConnectionFaulted)
	}

	if logger == nil {
		logger = slog.Default()
	}

	cl, err := kgo.NewClient(cfg.producerOpts()...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrConnectionFaulted, err))
	}

	t := New(kgoWriter{cl: cl}, cfg.readerFactory(logger.With("transport", "kafka")), logger)
	t.closer = cl.Close

	return t, nil
}
