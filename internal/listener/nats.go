package listener

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// Config describes one subscription. An empty QueueGroup subscribes every
// tracker process to every message.
type Config struct {
	URL        string
	Subject    string
	QueueGroup string
	Name       string
}

type ListenerMetrics interface {
	RecordSkipped(reason string)
	NATSSetConnected(connected bool)
}

// Listener owns a NATS connection with a single subscription.
type Listener struct {
	cfg Config
	nc  *nats.Conn
	sub *nats.Subscription
}

// Decode parses one payload.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}

// Handler turns handle into a payload callback. Payloads that fail to
// decode are logged with their raw contents and discarded.
func Handler[T any](name string, handle func(T), m ListenerMetrics) func([]byte) {
	return func(data []byte) {
		v, err := Decode[T](data)
		if err != nil {
			log.Printf("%s: discarding corrupted message: %v raw=%q", name, err, data)
			if m != nil {
				m.RecordSkipped("corrupt")
			}
			return
		}
		handle(v)
	}
}

// Start connects and subscribes, delivering every decoded payload to handle.
func Start[T any](cfg Config, handle func(T), m ListenerMetrics) (*Listener, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Subject
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("%s: nats disconnected", name)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("%s: nats reconnected", name)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", name, err)
	}
	h := Handler(name, handle, m)
	cb := func(msg *nats.Msg) { h(msg.Data) }

	var sub *nats.Subscription
	if cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribe(cfg.Subject, cfg.QueueGroup, cb)
	} else {
		sub, err = nc.Subscribe(cfg.Subject, cb)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%s: subscribe %s: %w", name, cfg.Subject, err)
	}
	log.Printf("%s: listening on %s (queue=%q)", name, cfg.Subject, cfg.QueueGroup)
	return &Listener{cfg: cfg, nc: nc, sub: sub}, nil
}

func (l *Listener) Close() {
	if l.sub != nil {
		_ = l.sub.Unsubscribe()
	}
	if l.nc != nil {
		l.nc.Drain()
		l.nc.Close()
	}
}
