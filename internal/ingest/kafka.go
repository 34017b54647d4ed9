// Package ingest publishes driver locations and settlement tasks to
// Kafka. The settlement topic is the at-least-once job queue consumed
// by cmd/settler; the pipeline's status guards make redelivery safe.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationProducer{writer: w}
}

func (p *LocationProducer) PublishLocation(ctx context.Context, upd models.LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(upd.DriverID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// SettlementTask tells the settler which completed rescue to settle.
type SettlementTask struct {
	RescueID string    `json:"rescue_id"`
	QueuedAt time.Time `json:"queued_at"`
}

type SettlementProducer struct {
	writer *kafka.Writer
}

func NewSettlementProducer(brokers []string, topic string) *SettlementProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &SettlementProducer{writer: w}
}

func (p *SettlementProducer) EnqueueSettlement(ctx context.Context, rescueID string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(SettlementTask{RescueID: rescueID, QueuedAt: time.Now()})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rescueID), Value: b})
}

func (p *SettlementProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
