package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notification is one outbound alert message.
type Notification struct {
	AlertID    string   `json:"alert_id"`
	Priority   Priority `json:"priority"`
	Subject    string   `json:"subject"`
	Text       string   `json:"text"`
	HTML       string   `json:"html,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// Notifier delivers notifications over one channel. Send returns an
// error when delivery failed; the manager records the failure but never
// lets it block alert handling.
type Notifier interface {
	Channel() string
	Send(ctx context.Context, n *Notification) error
}

// SMTPConfig holds mail channel settings.
type SMTPConfig struct {
	Addr     string `json:"addr"` // host:port
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// SMTPNotifier is the default email channel.
type SMTPNotifier struct {
	config SMTPConfig
}

// NewSMTPNotifier creates the email notifier.
func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{config: config}
}

// Channel implements Notifier.
func (s *SMTPNotifier) Channel() string { return "email" }

// Send implements Notifier.
func (s *SMTPNotifier) Send(_ context.Context, n *Notification) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	var auth smtp.Auth
	if s.config.Username != "" {
		host, _, err := net.SplitHostPort(s.config.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr %q: %w", s.config.Addr, err)
		}
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, host)
	}
	return smtp.SendMail(s.config.Addr, auth, s.config.From, n.Recipients, buildMIME(s.config.From, n))
}

// buildMIME assembles the mail body, preferring the HTML rendering when
// one is present.
func buildMIME(from string, n *Notification) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(n.Recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", n.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	if n.HTML != "" {
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(n.HTML)
	} else {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(n.Text)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// KafkaNotifier publishes notifications to a Kafka topic for downstream
// incident tooling.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Channel implements Notifier.
func (k *KafkaNotifier) Channel() string { return "kafka" }

// Send implements Notifier.
func (k *KafkaNotifier) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.AlertID),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
