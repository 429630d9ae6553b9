package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Sink publishes raw payloads to a subject and waits for the server to
// confirm receipt with a flush.
type Sink struct {
	conn    Publisher
	subject string
	close   func()
}

// NewSink wraps an existing connection.
func NewSink(conn Publisher, subject string) (*Sink, error) {
	if conn == nil {
		return nil, errors.New("nats sink: nil connection")
	}
	if subject == "" {
		return nil, errors.New("nats sink: empty subject")
	}
	return &Sink{conn: conn, subject: subject}, nil
}

// Dial connects to url. The connection reconnects on its own; while it is
// down publishes fail and the forwarder keeps entries queued.
func Dial(url, subject, clientName string) (*Sink, error) {
	conn, err := natsgo.Connect(url,
		natsgo.Name(clientName),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.Timeout(5*time.Second),
		natsgo.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	sink, err := NewSink(conn, subject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.close = conn.Close
	return sink, nil
}

// Write implements the forwarder sink.
func (s *Sink) Write(ctx context.Context, payload string) error {
	if err := s.conn.Publish(s.subject, []byte(payload)); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close releases the connection created by Dial.
func (s *Sink) Close() error {
	if s != nil && s.close != nil {
		s.close()
	}
	return nil
}
