// Package publish streams execution reports and trades to Kafka for
// downstream consumers (drop copy, market data, settlement).
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"fixmatch/internal/common"
	"fixmatch/internal/fix"
	"fixmatch/internal/metrics"
)

type Config struct {
	Enabled         bool     `toml:"enabled"`
	Brokers         []string `toml:"brokers"`
	ExecutionsTopic string   `toml:"executions_topic"`
	TradesTopic     string   `toml:"trades_topic"`
}

func NewDefaultConfig() Config {
	return Config{
		Brokers:         []string{"localhost:9092"},
		ExecutionsTopic: "fixmatch.executions",
		TradesTopic:     "fixmatch.trades",
	}
}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes execution reports as binary records and trades as JSON,
// keyed by symbol so each symbol's stream stays ordered within a partition.
type Publisher struct {
	writer MessageWriter
	conf   Config
	logger zerolog.Logger
}

// New builds a publisher over an asynchronous Kafka writer. Delivery
// failures are logged and counted; they never reach the matching engine.
func New(conf Config) *Publisher {
	p := &Publisher{conf: conf, logger: log.With().Str("component", "publish").Logger()}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(conf.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion:   p.completion,
	}
	return p
}

// NewWithWriter builds a publisher over w.
func NewWithWriter(w MessageWriter, conf Config) *Publisher {
	return &Publisher{writer: w, conf: conf, logger: log.With().Str("component", "publish").Logger()}
}

func (p *Publisher) ReportExecution(report fix.BinaryMessage) error {
	val, err := report.MarshalBinary()
	if err != nil {
		return err
	}
	return p.write(p.conf.ExecutionsTopic, report.SymbolString(), val)
}

func (p *Publisher) ReportTrade(trade common.Trade) error {
	val, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	return p.write(p.conf.TradesTopic, trade.Symbol, val)
}

func (p *Publisher) write(topic, key string, val []byte) error {
	err := p.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: val,
		Time:  time.Now(),
	})
	if err != nil {
		metrics.PublishErrorInc(topic)
		p.logger.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Publish failed")
	}
	return err
}

func (p *Publisher) completion(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		metrics.PublishErrorInc(m.Topic)
	}
	p.logger.Error().Err(err).Int("messages", len(msgs)).Msg("Kafka delivery failed")
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
