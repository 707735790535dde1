package client

import (
	"context"

	"vcli/internal/protocol"
	"vcli/internal/session"
)

// Job is one session seen from the caller's side. Fields left nil fall
// back to the service defaults.
type Job struct {
	ID       string
	Title    string
	Priority *int
	Timeout  *int
	EOL      *string

	c *Client
}

// NewJob reserves a session id on the service.
func (c *Client) NewJob(ctx context.Context, title string) (*Job, error) {
	id, err := c.Create(ctx)
	if err != nil {
		return nil, err
	}
	return c.Job(id, title), nil
}

// Job returns a handle on an existing session id.
func (c *Client) Job(id, title string) *Job {
	return &Job{ID: id, Title: title, c: c}
}

// AddCommand queues text on the job's session. A nil wait waits for the
// command to finish.
func (j *Job) AddCommand(ctx context.Context, text string, wait *session.Wait) (string, error) {
	return j.c.AddCommand(ctx, protocol.CommandAddPayload{
		SessionID: j.ID,
		Text:      text,
		Wait:      protocol.NewWaitPayload(wait),
		EOL:       j.EOL,
		Timeout:   j.Timeout,
		Priority:  j.Priority,
		Title:     j.Title,
	})
}

// Results blocks until every queued command has finished.
func (j *Job) Results(ctx context.Context) (string, error) {
	return j.c.Results(ctx, j.ID)
}

func (j *Job) Close(ctx context.Context) error {
	return j.c.Close(ctx, j.ID)
}

// CloseAll closes every session on the service, not only this one.
func (j *Job) CloseAll(ctx context.Context) error {
	return j.c.CloseAll(ctx)
}
