package runlifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultSubject is where queued runs are published.
const DefaultSubject = "testgen.runs.queued"

// RunRequest is the message handed to the execution engine.
type RunRequest struct {
	RunID      string `json:"runId"`
	TestPlanID string `json:"testPlanId"`
	OwnerID    string `json:"ownerId"`
}

// Dispatcher hands a queued run to the external execution engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req RunRequest) error
}

// NoopDispatcher drops every run. Reports stay queued until something
// else advances them.
type NoopDispatcher struct{}

// Dispatch does nothing.
func (NoopDispatcher) Dispatch(context.Context, RunRequest) error { return nil }

// JetStreamDispatcher publishes runs to a JetStream subject.
type JetStreamDispatcher struct {
	js      jetstream.JetStream
	subject string
}

// NewJetStreamDispatcher ensures a stream captures subject and returns a
// dispatcher publishing to it over client.
func NewJetStreamDispatcher(ctx context.Context, client *natsclient.Client, subject string) (*JetStreamDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("NATS client required")
	}
	if subject == "" {
		subject = DefaultSubject
	}

	js, err := client.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	name := streamName(subject)
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}

	return &JetStreamDispatcher{js: js, subject: subject}, nil
}

// Dispatch publishes req and waits for the stream acknowledgement. The run
// id is the message id, so a retried dispatch is deduplicated.
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, req RunRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	if _, err := d.js.Publish(ctx, d.subject, data, jetstream.WithMsgID(req.RunID)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subject returns the publish subject.
func (d *JetStreamDispatcher) Subject() string {
	return d.subject
}

// streamName derives a stream name from a subject: testgen.runs.queued
// becomes TESTGEN_RUNS_QUEUED.
func streamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "ALL", ">", "ALL")
	return strings.ToUpper(r.Replace(subject))
}
