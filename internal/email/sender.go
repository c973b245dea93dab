package email

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"
)

// DeliveryInfo describes a message accepted by the SMTP relay.
type DeliveryInfo struct {
	MessageID string
	Attempts  int
}

type Sender struct {
	Host     string
	Port     int
	Username string
	Password string

	// Retries is how many extra attempts follow a failed one.
	Retries int
	// Timeout bounds a single SMTP attempt. Zero means no bound.
	Timeout time.Duration

	// deliver hands the message to the relay; tests replace it.
	deliver func(m *gomail.Message) error
}

var messageSeq atomic.Uint64

func NewSender(host string, port int, username, password string) *Sender {
	s := &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}
	d := gomail.NewDialer(host, port, username, password)
	s.deliver = func(m *gomail.Message) error { return d.DialAndSend(m) }
	return s
}

// Send delivers one HTML message, retrying with exponential backoff.
func (s *Sender) Send(ctx context.Context, from, to, subject, body string) (DeliveryInfo, error) {

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", s.messageID())
	m.SetBody("text/html", body)

	info := DeliveryInfo{MessageID: m.GetHeader("Message-ID")[0]}

	operation := func() error {
		info.Attempts++
		return s.attempt(ctx, m)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	retries := s.Retries
	if retries < 0 {
		retries = 0
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	if err != nil {
		return info, fmt.Errorf("smtp send to %s after %d attempts: %w", to, info.Attempts, err)
	}

	return info, nil
}

// attempt runs one delivery. gomail has no context support, so a stuck
// relay is abandoned once the timeout passes and the goroutine finishes on
// its own.
func (s *Sender) attempt(ctx context.Context, m *gomail.Message) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.deliver(m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("smtp attempt: %w", ctx.Err())
	}
}

func (s *Sender) messageID() string {
	return fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), messageSeq.Add(1), s.Host)
}
