package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// JobTopic carries analysis jobs from the session service to the worker.
const JobTopic = "analysis.jobs"

// Job is one analysis turn: a user message waiting for a reply.
type Job struct {
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Prompt     string    `json:"prompt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue publishes jobs onto the in-process job topic.
type Queue struct {
	publisher message.Publisher
}

// NewQueue creates a queue publishing through p.
func NewQueue(p message.Publisher) *Queue {
	return &Queue{publisher: p}
}

// Enqueue schedules job. A Worker must already be subscribed: the topic is
// not persistent and jobs published with no subscriber are dropped.
func (q *Queue) Enqueue(_ context.Context, job Job) error {
	if job.SessionID == "" {
		return fmt.Errorf("job has no session id")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("session_id", job.SessionID)
	return q.publisher.Publish(JobTopic, msg)
}
