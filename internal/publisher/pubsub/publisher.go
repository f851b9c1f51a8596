// Package pubsub publishes lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/directory-submitter/internal/publisher"
)

// Publisher sends JSON events to Pub/Sub topics. Logical event topics such as
// "job.finalized" are routed through Routes; unrouted events go to the default topic.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	routes       map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher over an existing client.
func New(client *pubsub.Client, defaultTopic string, routes map[string]string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		routes:       routes,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Publish marshals payload and waits for the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, attrs, err := publisher.Encode(ctx, event, payload)
	if err != nil {
		return "", err
	}
	topicID := p.defaultTopic
	if routed, ok := p.routes[event]; ok && routed != "" {
		topicID = routed
	}
	if topicID == "" {
		return "", fmt.Errorf("no pubsub topic for event %q", event)
	}
	result := p.topic(topicID).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", event, err)
	}
	return id, nil
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
