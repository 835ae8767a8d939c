package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"vehicle-tracker/internal/inference"
	"vehicle-tracker/internal/occupancy"
)

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

// NewNATSPublisher connects to url and publishes inferred records under
// prefix. When streamName is set the subjects are captured by a JetStream
// stream, created if it does not exist.
func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, streamName string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("vehicle-tracker-publisher"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
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
	p := &NATSPublisher{nc: nc, prefix: strings.Trim(strings.TrimSpace(prefix), "."), logSubjects: logSubjects, metrics: m}
	if streamName != "" {
		if err := p.ensureStream(streamName); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(name string) error {
	js, err := p.nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	_, err = js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{p.prefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	log.Printf("created stream %s for %s.>", name, p.prefix)
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// InferredMessage is the wire form of an inferred record.
type InferredMessage struct {
	*inference.InferredLocation
	Occupancy     *occupancy.VehicleLoad `json:"occupancy,omitempty"`
	OccupancySiri string                 `json:"occupancySiri,omitempty"`
}

func NewInferredMessage(loc *inference.InferredLocation, load *occupancy.VehicleLoad) InferredMessage {
	msg := InferredMessage{InferredLocation: loc, Occupancy: load}
	if load != nil {
		msg.OccupancySiri = load.Load.Siri()
	}
	return msg
}

// Subject returns the subject an inferred record for vid is published on.
func (p *NATSPublisher) Subject(vid string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(vid))
}

func (p *NATSPublisher) PublishInferred(loc *inference.InferredLocation, load *occupancy.VehicleLoad) error {
	subject := p.Subject(loc.VehicleID)
	b, err := json.Marshal(NewInferredMessage(loc, load))
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
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
