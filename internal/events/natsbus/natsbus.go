// Package natsbus connects the triage service to NATS JetStream: it consumes
// ticket-created events from other systems and publishes run outcomes.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

const (
	// SubjectTicketCreated carries {"ticket_id": "..."} for tickets created
	// outside this service.
	SubjectTicketCreated = "tickets.created"

	consumerName = "deskhand-triage"
)

// Config holds connection settings.
type Config struct {
	URL    string
	Stream string
}

// RegisterFlags binds bus settings to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "nats-url", "", "NATS URL for ticket and triage events (empty: disabled)")
	fs.StringVar(&c.Stream, "nats-stream", "DESKHAND", "JetStream stream holding ticket and triage subjects")
}

// Validate checks the bus settings.
func (c *Config) Validate() error {
	if c.URL != "" && strings.TrimSpace(c.Stream) == "" {
		return errors.New("nats-stream is required when nats-url is set")
	}
	return nil
}

// Submitter is the part of triage.Service the consumer drives.
type Submitter interface {
	Submit(ctx context.Context, ticketID string, trigger triage.Trigger) (*triage.SubmitResult, error)
}

// TicketCreated is the payload on SubjectTicketCreated.
type TicketCreated struct {
	TicketID string `json:"ticket_id"`
}

var errBadPayload = errors.New("bad payload")

// Bus publishes triage events and consumes ticket-created events.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger log.Logger

	publish func(ctx context.Context, subject string, data []byte) error
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, logger log.Logger) (*Bus, error) {
	if logger == nil {
		logger = log.Nop()
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("deskhand"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{"tickets.>", "triage.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info(ctx, "nats connected", "stream", cfg.Stream)
	b := &Bus{nc: nc, js: js, stream: cfg.Stream, logger: logger}
	b.publish = func(ctx context.Context, subject string, data []byte) error {
		_, err := js.Publish(ctx, subject, data)
		return err
	}
	return b, nil
}

// Notify implements triage.Notifier by publishing e on the subject named by
// its kind.
func (b *Bus) Notify(ctx context.Context, e *triage.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := string(e.Kind)
	if err := b.publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// publishTicketCreated announces a ticket for triage. Producers outside this
// process publish the same payload; the bus itself only consumes it.
func (b *Bus) publishTicketCreated(ctx context.Context, ticketID string) error {
	data, err := json.Marshal(TicketCreated{TicketID: ticketID})
	if err != nil {
		return fmt.Errorf("marshal ticket created: %w", err)
	}
	if err := b.publish(ctx, SubjectTicketCreated, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectTicketCreated, err)
	}
	return nil
}

// Consume submits every ticket-created message to svc until the returned stop
// function is called.
func (b *Bus) Consume(ctx context.Context, svc Submitter) (stop func(), err error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: SubjectTicketCreated,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		b.dispatch(ctx, svc, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

// acker is the subset of jetstream.Msg dispatch settles.
type acker interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

func (b *Bus) dispatch(ctx context.Context, svc Submitter, msg acker) {
	err := handle(ctx, svc, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Error(ctx, ackErr, "nats ack failed")
		}
	case errors.Is(err, errBadPayload), errors.Is(err, triage.ErrNotFound):
		b.logger.Warn(ctx, "dropping ticket-created message", "err", err)
		if termErr := msg.Term(); termErr != nil {
			b.logger.Error(ctx, termErr, "nats term failed")
		}
	default:
		b.logger.Error(ctx, err, "ticket-created handler failed")
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Error(ctx, nakErr, "nats nak failed")
		}
	}
}

func handle(ctx context.Context, svc Submitter, data []byte) error {
	var ev TicketCreated
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %w", errBadPayload, err)
	}
	if strings.TrimSpace(ev.TicketID) == "" {
		return fmt.Errorf("%w: missing ticket_id", errBadPayload)
	}
	_, err := svc.Submit(ctx, ev.TicketID, triage.TriggerCreated)
	return err
}

// Close drains and closes the connection.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
