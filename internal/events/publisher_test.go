package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nearzoom/image-processor/internal/domain"
)

func TestPublishJobEvent_NoBroker(t *testing.T) {
	job := &domain.Job{ID: "job-1", Mode: domain.ModeBoth, Status: domain.StatusQueued}

	// A nil publisher and a publisher without a client are both no-ops.
	var p *Publisher
	assert.NoError(t, p.PublishJobEvent(context.Background(), JobCreated, job))

	p = NewPublisher(nil, nil)
	assert.NoError(t, p.PublishJobEvent(context.Background(), JobDone, job))
}
