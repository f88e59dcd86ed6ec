package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Concrete franz-go based constructor and client wrapper.

// SASLConfig selects a SASL mechanism: PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// Config holds the client settings.
type Config struct {
	Brokers []string
	TLS     *tls.Config
	SASL    *SASLConfig

	// Acks is "all" (default), "leader" or "none". Anything but "all" disables idempotence.
	Acks string

	// Idempotent keeps idempotent writes on. Only honoured with Acks "all".
	Idempotent bool

	ClientID string

	// Compression is "none", "gzip", "snappy", "lz4" or "zstd".
	Compression string
}

func (cfg Config) options() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.SASL != nil {
		mech, err := cfg.SASL.mechanism()
		if err != nil {
			return nil, err
		}

		opts = append(opts, kgo.SASL(mech))
	}

	return opts, nil
}

func (s *SASLConfig) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(s.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported kafka sasl mechanism %q", berr.ErrConfiguration, s.Mechanism)
	}
}

func (cfg Config) producerOptions() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.AllowAutoTopicCreation()}

	switch strings.ToLower(cfg.Acks) {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
		if !cfg.Idempotent {
			opts = append(opts, kgo.DisableIdempotentWrite())
		}
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: unsupported kafka acks %q", berr.ErrConfiguration, cfg.Acks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "":
	case "none":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("%w: unsupported kafka compression %q", berr.ErrConfiguration, cfg.Compression)
	}

	return opts, nil
}

// kgoClient produces on one shared client and opens a client per consumer.
type kgoClient struct {
	cl   *kgo.Client
	base []kgo.Opt
}

func (c *kgoClient) Produce(ctx context.Context, r *kgo.Record) error {
	return c.cl.ProduceSync(ctx, r).FirstErr()
}

// Consume joins group on topics with manual commits. An empty group reads from now on
// without a group.
func (c *kgoClient) Consume(_ context.Context, group string, topics []string) (Consumer, error) {
	opts := append([]kgo.Opt{kgo.ConsumeTopics(topics...)}, c.base...)
	if group != "" {
		opts = append(opts, kgo.ConsumerGroup(group), kgo.DisableAutoCommit())
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().UnixMilli())))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &kgoConsumer{cl: cl, group: group}, nil
}

type kgoConsumer struct {
	cl    *kgo.Client
	group string
}

func (c *kgoConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("%s[%d]: %w", topic, partition, err))
	})

	return fetches.Records(), errors.Join(errs...)
}

func (c *kgoConsumer) Commit(ctx context.Context, rs ...*kgo.Record) error {
	if c.group == "" || len(rs) == 0 {
		return nil
	}

	return c.cl.CommitRecords(ctx, rs...)
}

func (c *kgoConsumer) Close() { c.cl.Close() }

// NewWithKgo builds a franz-go backed Broker. The returned cleanup closes the broker
// and the producing client.
func NewWithKgo(cfg Config, opts ...Option) (*Broker, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrConfiguration)
	}

	base, err := cfg.options()
	if err != nil {
		return nil, nil, err
	}

	prod, err := cfg.producerOptions()
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(append(prod, base...)...)
	if err != nil {
		return nil, nil, berr.Transport("dial", "kafka", err)
	}

	b := New(&kgoClient{cl: cl, base: base}, opts...)
	cleanup := func() {
		_ = b.Close()
		cl.Close()
	}

	return b, cleanup, nil
}
