// Package notify relays job lifecycle events to an AMQP exchange. Each
// event is published as JSON with routing key "<event>.<queue>". The
// worker that dispatched a job also publishes a jobDone message carrying
// its outcome, whichever process ran it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/job"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of *amqp.Channel the relay uses
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EventJobDone names outcome messages
const EventJobDone events.Name = "jobDone"

// Message is the body published for each event
type Message struct {
	Event   events.Name            `json:"event"`
	Outcome string                 `json:"outcome,omitempty"`
	Queue   string                 `json:"queue,omitempty"`
	Class   string                 `json:"class,omitempty"`
	ID      string                 `json:"id,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Worker  string                 `json:"worker,omitempty"`
	Error   string                 `json:"error,omitempty"`
	At      time.Time              `json:"at"`
}

// Relay publishes bus events to an exchange
type Relay struct {
	options Options
	now     func() time.Time

	mu          sync.RWMutex
	connection  *amqp.Connection
	channel     *amqp.Channel
	publisher   Publisher
	notifyClose chan *amqp.Error
	cancel      context.CancelFunc

	bus       *events.Bus
	listeners map[events.Name]events.ListenerID
}

// NewRelay creates a relay over an existing publisher
func NewRelay(p Publisher, exchange string) *Relay {
	opts := DefaultOptions()
	opts.Exchange = exchange
	return &Relay{
		options:   opts,
		now:       time.Now,
		publisher: p,
		listeners: make(map[events.Name]events.ListenerID),
	}
}

// Dial connects to the broker and declares the exchange
func Dial(ctx context.Context, options Options) (*Relay, error) {
	r := &Relay{
		options:   options,
		now:       time.Now,
		listeners: make(map[events.Name]events.ListenerID),
	}

	r.mu.Lock()
	err := r.connect()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if options.ReconnectEnabled {
		ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
		go r.handleReconnection(ctx)
	}
	return r, nil
}

// connect expects the caller to hold the lock
func (r *Relay) connect() error {
	conn, err := amqp.Dial(r.options.URI)
	if err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to open channel: %w", err))
	}

	if err := ch.ExchangeDeclare(
		r.options.Exchange,     // name
		r.options.ExchangeType, // kind
		true,                   // durable
		false,                  // delete when unused
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to declare exchange %s: %w", r.options.Exchange, err))
	}

	r.connection = conn
	r.channel = ch
	r.publisher = ch
	r.notifyClose = make(chan *amqp.Error, 1)
	r.connection.NotifyClose(r.notifyClose)
	return nil
}

func (r *Relay) handleReconnection(ctx context.Context) {
	for {
		r.mu.RLock()
		notifyClose := r.notifyClose
		r.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case err := <-notifyClose:
			if err == nil {
				return
			}
			slog.Warn("AMQP connection closed, reconnecting", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.options.ReconnectDelay):
			}

			r.mu.Lock()
			err := r.connect()
			r.mu.Unlock()
			if err == nil {
				slog.Info("Reconnected to RabbitMQ")
				break
			}
			slog.Warn("Reconnect failed", "error", err)
		}
	}
}

// Attach subscribes the relay to every event on bus
func (r *Relay) Attach(bus *events.Bus) {
	r.bus = bus
	for _, name := range events.Names {
		r.listeners[name] = bus.Listen(name, r.listener)
	}
}

// Detach removes the relay's listeners
func (r *Relay) Detach() {
	if r.bus == nil {
		return
	}
	for name, id := range r.listeners {
		r.bus.StopListening(name, id)
		delete(r.listeners, name)
	}
	r.bus = nil
}

// listener publishes e. Publish errors are logged, never returned to the
// bus.
func (r *Relay) listener(ctx context.Context, e *events.Event) error {
	if err := r.Publish(ctx, e); err != nil {
		slog.Warn("Failed to relay event", "event", e.Name, "queue", e.Queue, "error", err)
	}
	return nil
}

// Publish sends one event to the exchange
func (r *Relay) Publish(ctx context.Context, e *events.Event) error {
	return r.publish(ctx, NewMessage(e, r.now()))
}

// JobDone publishes the outcome of a job the worker dispatched. Publish
// errors are logged.
func (r *Relay) JobDone(ctx context.Context, j *job.Job) {
	outcome, exception := j.Outcome()
	msg := Message{
		Event:   EventJobDone,
		Outcome: outcome.String(),
		Queue:   j.Queue,
		Class:   j.Payload.Class,
		ID:      j.Payload.ID,
		Args:    j.Arguments(),
		Error:   exception,
		At:      r.now().UTC(),
	}
	if o := j.Owner(); o != nil {
		msg.Worker = o.ID()
	}
	if err := r.publish(ctx, msg); err != nil {
		slog.Warn("Failed to relay job outcome", "queue", j.Queue, "job", j.String(), "error", err)
	}
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	r.mu.RLock()
	p := r.publisher
	r.mu.RUnlock()
	if p == nil {
		return errors.ErrNotConnected
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := string(msg.Event)
	if msg.Queue != "" {
		key += "." + msg.Queue
	}
	return p.PublishWithContext(
		ctx,
		r.options.Exchange, // exchange
		key,                // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   msg.At,
			MessageId:   msg.ID,
			Type:        string(msg.Event),
		})
}

// NewMessage flattens an event
func NewMessage(e *events.Event, at time.Time) Message {
	m := Message{
		Event: e.Name,
		Queue: e.Queue,
		Class: e.Class,
		ID:    e.ID,
		Args:  e.Args,
		At:    at.UTC(),
	}
	if w, ok := e.Worker.(interface{ ID() string }); ok {
		m.Worker = w.ID()
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// Close detaches the relay and closes the connection
func (r *Relay) Close() error {
	r.Detach()
	if r.cancel != nil {
		r.cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = nil
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			return err
		}
	}
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
