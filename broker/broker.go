// Package broker implements the commit job consumer described in section 6
// and the actor entry point of section 4.7: it decodes
// (publish_id, env, from_date, commit_mode) broker messages and drives a
// supplied handler, using the broker message ID as the task ID.
package broker

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/release-engineering/exodus-commit/telemetry"
)

// CommitMode selects which phase of the two-phase commit an actor run
// performs, per section 6.
type CommitMode string

// Commit modes as defined in section 6. The zero value of the wire message
// defaults to CommitModePhase2, per section 4.7.
const (
	CommitModePhase1 CommitMode = "phase1"
	CommitModePhase2 CommitMode = "phase2"
)

// Job is the decoded broker message of section 6.
type Job struct {
	PublishID  uuid.UUID  `json:"publish_id"`
	Env        string     `json:"env"`
	FromDate   string     `json:"from_date"`
	CommitMode CommitMode `json:"commit_mode"`
}

// normalize applies the commit_mode default from section 6/4.7.
func (j Job) normalize() Job {
	if j.CommitMode == "" {
		j.CommitMode = CommitModePhase2
	}
	return j
}

// Handler drives one actor run. taskID is the broker message ID, used as
// the CommitTask identifier per section 4.7.
type Handler func(ctx context.Context, job Job, taskID string) error

// Consumer wraps a Kafka reader for the commit job topic.
type Consumer struct {
	reader *kafka.Reader
	log    telemetry.Logger
}

// NewConsumer constructs a Consumer for the given brokers/topic/group,
// mirroring this codebase's Kafka writer-pool configuration conventions
// applied to the reader side.
func NewConsumer(brokers []string, topic, groupID string, log telemetry.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, log: log}
}

// Run consumes messages until ctx is cancelled, decoding each one into a Job
// and invoking handler. The actor entry point (section 4.7) guarantees
// rollback and DB commit internally, so Run never re-raises a handler error
// to the broker beyond logging it; per section 7, the actor never re-raises
// to the broker.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch commit job: %w", err)
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.log.Error(ctx, "publish", err, map[string]any{"success": false, "reason": "malformed commit job"})
			if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
				return fmt.Errorf("failed to commit offset past malformed job: %w", commitErr)
			}
			continue
		}
		job = job.normalize()

		taskID := fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
		if err := handler(ctx, job, taskID); err != nil {
			c.log.Error(ctx, "publish", err, map[string]any{
				"success":    false,
				"publish_id": job.PublishID,
				"task_id":    taskID,
			})
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit kafka offset: %w", err)
		}
	}
}

// Close releases the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
