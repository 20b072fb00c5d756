package output

import (
	"bytes"

	nats "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"probescan/internal/fieldset"
)

type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSWriter publishes one JSON message per record.
type NATSWriter struct {
	conn    publisher
	subject string
}

// NewNATSWriter connects to url. Disconnects are logged; the client library
// buffers and reconnects on its own.
func NewNATSWriter(url, subject string) (*NATSWriter, error) {
	log.WithField("url", url).Info("connecting to NATS")
	conn, err := nats.Connect(url,
		nats.Name("probescan"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSWriter{conn: conn, subject: subject}, nil
}

func (w *NATSWriter) Write(fs *fieldset.FieldSet) error {
	data, err := MarshalRecord(fs)
	if err != nil {
		return err
	}
	return w.conn.Publish(w.subject, bytes.TrimSuffix(data, []byte("\n")))
}

// Close flushes pending publishes and closes the connection.
func (w *NATSWriter) Close() error {
	return w.conn.Drain()
}
