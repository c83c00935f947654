// Package bus holds the NATS connection used to share realtime state
// between gateway instances, and the subject naming they agree on.
package bus

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "iwork.chat"

// Connect dials NATS with unlimited reconnects and logs connection
// state changes.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Token encodes an arbitrary identifier as a single NATS subject token
// (and a valid KV key).
func Token(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// ParseToken reverses Token.
func ParseToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("bad subject token %q: %w", token, err)
	}
	return string(b), nil
}

// DeliverSubject is the subject carrying events for one subject's
// connections.
func DeliverSubject(prefix, subjectID string) string {
	return prefix + ".deliver." + Token(subjectID)
}

// DeliverWildcard matches every DeliverSubject under prefix.
func DeliverWildcard(prefix string) string {
	return prefix + ".deliver.*"
}

// BroadcastSubject is the subject carrying events for every connection.
func BroadcastSubject(prefix string) string {
	return prefix + ".broadcast"
}

// SubjectIDFromDeliver extracts the subject id from a DeliverSubject.
func SubjectIDFromDeliver(prefix, subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, prefix+".deliver.")
	if !ok {
		return "", fmt.Errorf("subject %q is not a delivery subject", subject)
	}
	return ParseToken(token)
}
