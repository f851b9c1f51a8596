package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Published event names.
const (
	TopicAttemptFinished = "attempt.finished"
	TopicFormChanged     = "form.changed"
)

// AttemptFinished is the payload published for each terminal attempt. It carries
// categories only, never raw failure text.
type AttemptFinished struct {
	JobID       string    `json:"job_id"`
	DirectoryID string    `json:"directory_id"`
	Status      string    `json:"status"`
	Category    string    `json:"category,omitempty"`
	MappingTier string    `json:"mapping_tier,omitempty"`
	Retries     int       `json:"retries"`
	FinishedAt  time.Time `json:"finished_at"`
}

// FormChanged is published when a directory's form drifts from its stored mapping.
type FormChanged struct {
	JobID             string    `json:"job_id"`
	DirectoryID       string    `json:"directory_id"`
	Site              string    `json:"site,omitempty"`
	PreviousSignature string    `json:"previous_signature"`
	Signature         string    `json:"signature"`
	DOMChecksum       string    `json:"dom_checksum,omitempty"`
	DetectedAt        time.Time `json:"detected_at"`
}

// PublishSink forwards terminal attempt and form change events to a Publisher.
type PublishSink struct {
	publisher submission.Publisher
}

// NewPublishSink wraps pub.
func NewPublishSink(pub submission.Publisher) *PublishSink {
	return &PublishSink{publisher: pub}
}

// Consume publishes one message per ATTEMPT_DONE and FORM_CHANGED event and
// stops at the first error.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageFormChanged && evt.Form != nil:
			if err := s.formChanged(ctx, evt); err != nil {
				return err
			}
			continue
		case evt.Stage != progress.StageAttemptDone:
			continue
		}
		payload := AttemptFinished{
			JobID:       evt.JobID,
			DirectoryID: evt.DirectoryID,
			Status:      evt.Status,
			Category:    evt.Category,
			MappingTier: evt.Tier,
			Retries:     evt.Retries,
			FinishedAt:  evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, TopicAttemptFinished, payload); err != nil {
			return fmt.Errorf("publish attempt %s/%s: %w", evt.JobID, evt.DirectoryID, err)
		}
	}
	return nil
}

func (s *PublishSink) formChanged(ctx context.Context, evt progress.Event) error {
	payload := FormChanged{
		JobID:             evt.JobID,
		DirectoryID:       evt.DirectoryID,
		Site:              evt.Site,
		PreviousSignature: evt.Form.PreviousSignature,
		Signature:         evt.Form.Signature,
		DOMChecksum:       evt.Form.DOMChecksum,
		DetectedAt:        evt.TS,
	}
	if _, err := s.publisher.Publish(ctx, TopicFormChanged, payload); err != nil {
		return fmt.Errorf("publish form change %s: %w", evt.DirectoryID, err)
	}
	return nil
}

// Close is a no-op.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
