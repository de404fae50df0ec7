package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transit-fanout/internal/gtfs"
)

// NATSPublisher mirrors every batch published on the topic bus onto NATS,
// for consumers outside this process.
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-fanout"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected to %s", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Mirror publishes b on <prefix>.vehicle.<routeId> or <prefix>.stop.<stopId>.
// Failures are logged and counted; they never reach the bus.
func (p *NATSPublisher) Mirror(b gtfs.Batch) {
	subject, payload, err := p.encode(b)
	if err != nil {
		log.Printf("nats encode %s: %v", b.Topic(), err)
		return
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, payload)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		log.Printf("nats publish %s: %v", subject, err)
	}
}

func (p *NATSPublisher) encode(b gtfs.Batch) (string, []byte, error) {
	var (
		id  string
		msg any
	)
	switch v := b.(type) {
	case gtfs.VehicleBatch:
		id, msg = v.RouteID, v.Vehicles
	case gtfs.ArrivalBatch:
		id, msg = v.StopID, v.Arrivals
	default:
		return "", nil, fmt.Errorf("unsupported batch %T", b)
	}
	kind, _, err := gtfs.ParseTopic(b.Topic())
	if err != nil {
		return "", nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", nil, err
	}
	return Subject(p.prefix, kind, id), payload, nil
}

// Subject builds the NATS subject of a topic.
func Subject(prefix string, kind gtfs.Kind, id string) string {
	if prefix == "" {
		return fmt.Sprintf("%s.%s", kind, subjectToken(id))
	}
	return fmt.Sprintf("%s.%s.%s", prefix, kind, subjectToken(id))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
