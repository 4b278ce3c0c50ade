package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces one message per observation row to a Kafka topic.
// It implements reconcile.Pipeline: a batch counts as committed once the
// brokers acknowledge every message in it.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the sink topic.
func NewPublisher(brokers []string, topic string, batchTimeout time.Duration, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: batchTimeout,
	}
	return &Publisher{writer: w, logger: logger}
}

// Materialize publishes the rows in a single WriteMessages call.
func (p *Publisher) Materialize(ctx context.Context, station domain.StationLink, rows []reconcile.ObservationRow) ([]reconcile.Commit, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	msgs := make([]kafkago.Message, len(rows))
	for i := range rows {
		msg, err := serializeToMessage(station, rows[i])
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return nil, fmt.Errorf("publish station link %d rows: %w", station.ID, err)
	}

	commits := make([]reconcile.Commit, 0, len(rows))
	for _, row := range rows {
		commits = append(commits, row.Commits()...)
	}
	p.logger.Debug("rows published", "station_link_id", station.ID, "rows", len(rows))
	return commits, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// observationMessage is the message value: the flat row plus station context.
type observationMessage struct {
	StationLinkID int64                    `json:"station_link_id"`
	Timezone      string                   `json:"timezone"`
	Row           reconcile.ObservationRow `json:"row"`
}

// serializeToMessage keys the message by station and observation time so
// every value for one instant lands on the same partition.
func serializeToMessage(station domain.StationLink, row reconcile.ObservationRow) (kafkago.Message, error) {
	data, err := json.Marshal(observationMessage{StationLinkID: station.ID, Timezone: station.Timezone, Row: row})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize observation row: %w", err)
	}
	observed := row.ObservationTime.UTC().Format(time.RFC3339)
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(station.ID, 10) + "/" + observed),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "station_link_id", Value: []byte(strconv.FormatInt(station.ID, 10))},
			{Key: "submission_id", Value: []byte(strconv.FormatInt(row.SubmissionID, 10))},
			{Key: "observation_time", Value: []byte(observed)},
		},
	}, nil
}
