// Package events announces finished imports on an AMQP topic exchange.
//
// Each import produces one message routed as "import.completed" or
// "import.failed". Publishing is best effort: a broker outage is logged and
// counted but never fails the import that triggered it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
	"github.com/JonMunkholm/gndimport/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingCompleted = "import.completed"
	RoutingFailed    = "import.failed"

	// DefaultExchange is used when Config.Exchange is empty.
	DefaultExchange = "gnd.imports"

	defaultPublishTimeout = 5 * time.Second
)

// Event is the message body.
type Event struct {
	ImportID   string    `json:"import_id"`
	ProjectID  string    `json:"project_id"`
	LayerID    string    `json:"layer_id"`
	FileName   string    `json:"file_name,omitempty"`
	Status     string    `json:"status"`
	Rows       int       `json:"rows"`
	Inserted   int       `json:"inserted"`
	Dropped    int       `json:"dropped"`
	BytesRead  int64     `json:"bytes_read"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	FailedLine int       `json:"failed_line,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewEvent builds the event for a finished import. It returns the routing
// key along with the event.
func NewEvent(res *importer.Result, err error, now time.Time) (string, Event) {
	ev := Event{
		Status:     "completed",
		FinishedAt: now.UTC(),
	}
	if res != nil {
		ev.ImportID = res.ImportID
		ev.ProjectID = res.ProjectID
		ev.LayerID = res.LayerID
		ev.FileName = res.FileName
		ev.Rows = res.Rows
		ev.Inserted = res.Inserted
		ev.Dropped = res.Dropped
		ev.BytesRead = res.BytesRead
		ev.DurationMs = res.Duration.Milliseconds()
	}
	if err == nil {
		return RoutingCompleted, ev
	}

	ev.Status = "failed"
	ev.Error = err.Error()
	ev.ErrorCode = importer.MapError(err).Code
	var rowErr *importer.RowError
	if errors.As(err, &rowErr) {
		ev.FailedLine = rowErr.Line
	}
	return RoutingFailed, ev
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Close() error
}

// Config configures a Publisher.
type Config struct {
	URL      string
	Exchange string
	Timeout  time.Duration
}

// Publisher implements importer.Notifier.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	timeout  time.Duration
	now      func() time.Time
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := newPublisher(ch, cfg)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, cfg Config) (*Publisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		ch:       ch,
		exchange: exchange,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// ImportFinished publishes the import's outcome.
func (p *Publisher) ImportFinished(ctx context.Context, res *importer.Result, importErr error) {
	key, ev := NewEvent(res, importErr, p.now())
	logger := logging.WithFields(ctx, "import_id", ev.ImportID, "routing_key", key)

	if err := p.publish(ctx, key, ev); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		logger.Warn("import event not published", "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	logger.Debug("import event published")
}

func (p *Publisher) publish(ctx context.Context, key string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ImportID,
		Timestamp:    ev.FinishedAt,
		Type:         key,
		Body:         body,
	})
}

// Close shuts the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		slog.Warn("closing event publisher", "error", err)
	}
	return err
}
