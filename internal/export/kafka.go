// Package export publishes accepted sensor readings to downstream
// consumers.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/freshsense/gasmon/internal/reading"
)

// envelope is the wire shape of one published reading. The device id is
// duplicated into the message key so per-device ordering survives
// partitioning.
type envelope struct {
	DeviceID    int       `json:"device_id"`
	NH3         float64   `json:"nh3"`
	H2S         float64   `json:"h2s"`
	CO2         float64   `json:"co2"`
	CH4         float64   `json:"ch4"`
	Stage       int       `json:"stage"`
	StageText   string    `json:"stage_text"`
	Confidence  float64   `json:"confidence"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// messageWriter is the slice of kafka.Writer the exporter needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter streams readings to a Kafka topic, one message per
// accepted payload.
type KafkaExporter struct {
	writer messageWriter
	logger *logrus.Logger
}

// NewKafkaExporter builds an exporter writing to topic on brokers.
func NewKafkaExporter(brokers []string, topic string, logger *logrus.Logger) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: logger,
	}
}

// Publish sends one reading. Implements hub.Exporter.
func (e *KafkaExporter) Publish(ctx context.Context, deviceID int, r reading.Reading) error {
	msg, err := buildMessage(deviceID, r)
	if err != nil {
		return err
	}

	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish reading for device %d: %w", deviceID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"stage":     r.StageText(),
	}).Debug("Reading published")
	return nil
}

func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}

func buildMessage(deviceID int, r reading.Reading) (kafka.Message, error) {
	value, err := json.Marshal(envelope{
		DeviceID:    deviceID,
		NH3:         r.Gas.NH3,
		H2S:         r.Gas.H2S,
		CO2:         r.Gas.CO2,
		CH4:         r.Gas.CH4,
		Stage:       int(r.Stage),
		StageText:   r.StageText(),
		Confidence:  r.Confidence,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		CapturedAt:  r.CapturedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode reading for device %d: %w", deviceID, err)
	}

	return kafka.Message{
		Key:   []byte(strconv.Itoa(deviceID)),
		Value: value,
	}, nil
}
