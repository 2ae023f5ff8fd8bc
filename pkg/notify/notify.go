// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package notify publishes ingest events to the message broker so
// downstream consumers (scoring rules, webhooks) can react without
// polling the store.
package notify

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Routing keys for ingest events.
const (
	KeyTraceCreated = "trace.created"
	KeySpanCreated  = "span.created"
	KeyScoreCreated = "feedback_score.created"
)

// Event is the broker payload envelope.
type Event struct {
	WorkspaceID string      `json:"workspace_id"`
	Kind        string      `json:"kind"`
	At          time.Time   `json:"at"`
	Payload     interface{} `json:"payload,omitempty"`
}

// Publisher delivers events; implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(workspaceID, kind string, payload interface{})
	Close() error
}

// AMQPPublisher publishes to a topic exchange. Publishing is best-effort:
// a broker outage degrades to a logged warning, never a failed ingest.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dialing amqp broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "opening amqp channel")
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declaring exchange %q", exchange)
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// Publish sends one event with the kind as routing key.
func (p *AMQPPublisher) Publish(workspaceID, kind string, payload interface{}) {
	body, err := json.Marshal(Event{
		WorkspaceID: workspaceID,
		Kind:        kind,
		At:          time.Now().UTC(),
		Payload:     payload,
	})
	if err != nil {
		log.Warnf("failed to encode %s event: %v", kind, err) //nolint:errcheck
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish(p.exchange, kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if err != nil {
		log.Warnf("failed to publish %s event: %v", kind, err) //nolint:errcheck
		metrics.Count("notify.errors", 1, []string{"kind:" + kind}, 1)
		return
	}
	metrics.Count("notify.published", 1, []string{"kind:" + kind}, 1)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Nop drops every event; used when no broker is configured.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(string, string, interface{}) {}

// Close is a no-op.
func (Nop) Close() error { return nil }
