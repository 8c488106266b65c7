// Package publish forwards stored candles to Kafka so downstream consumers
// can react without polling the database.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/johnayoung/tradebot-collector/internal/config"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CandleEvent is the JSON payload written per candle. Prices and volume are
// decimal strings so no precision is lost in transit.
type CandleEvent struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Timestamp int64  `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

// NewCandleEvent converts a candle into its wire form.
func NewCandleEvent(c models.Candle) CandleEvent {
	return CandleEvent{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		Timestamp: c.Timestamp,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		Volume:    c.Volume.String(),
	}
}

// CandlePublisher writes candle events to one topic. Messages are keyed by
// symbol and timeframe so each pair stays ordered within its partition.
type CandlePublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

// NewCandlePublisher creates a publisher backed by a kafka-go writer.
func NewCandlePublisher(cfg config.PublisherConfig, logger *slog.Logger) (*CandlePublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publisher brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("publisher topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newCandlePublisher(writer, cfg.Topic, logger), nil
}

func newCandlePublisher(w messageWriter, topic string, logger *slog.Logger) *CandlePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandlePublisher{
		writer: w,
		topic:  topic,
		logger: logger.With("component", "publisher", "topic", topic),
		now:    time.Now,
	}
}

// PublishCandles implements collector.Publisher.
func (p *CandlePublisher) PublishCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(candles))
	for _, c := range candles {
		value, err := json.Marshal(NewCandleEvent(c))
		if err != nil {
			return fmt.Errorf("marshal candle %s: %w", c.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.topic,
			Key:   []byte(c.Symbol + "|" + c.Timeframe),
			Value: value,
			Time:  p.now(),
		})
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d candles to %s: %w", len(msgs), p.topic, err)
	}
	p.logger.Debug("published candles", "count", len(msgs), "duration", time.Since(start))
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *CandlePublisher) Close() error {
	return p.writer.Close()
}
