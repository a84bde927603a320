package embedqueue

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Notifier is the optional publish-on-complete transport (§4.E "Shared
// resources"): fan-out notification that an embedding finished, for
// collaborators other than the engine itself to react to (e.g. a sibling
// process warming its own cache). Never required for correctness — a Queue
// with no Notifier simply skips the publish.
type Notifier interface {
	NotifyEmbedded(entryType, entryID, versionID string) error
}

// SetNotifier attaches an optional Notifier. Called once during wiring,
// before any job is enqueued.
func (q *Queue) SetNotifier(n Notifier) {
	q.notifier = n
}

// NATSNotifier publishes a completion message to a NATS subject per
// embedded entry, behind Config.NotifyNATSURL (SPEC_FULL §3 "optional
// publish-on-complete notification bus, never required for correctness").
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier dials url and returns a Notifier publishing under
// subject. Callers should Close the returned notifier on shutdown.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	if subject == "" {
		subject = "memengine.embed.completed"
	}
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

func (n *NATSNotifier) NotifyEmbedded(entryType, entryID, versionID string) error {
	payload := fmt.Sprintf(`{"entryType":%q,"entryId":%q,"versionId":%q}`, entryType, entryID, versionID)
	return n.conn.Publish(n.subject, []byte(payload))
}

func (n *NATSNotifier) Close() {
	n.conn.Close()
}
