package multicast

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/vsync/internal/view"
)

type metrics struct {
	sent         *prometheus.CounterVec
	received     *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	persisted    *prometheus.CounterVec
	buffersInUse *prometheus.GaugeVec
	suspicions   prometheus.Counter
}

// newMetrics builds the group's collectors and registers them with reg when
// it is non-nil. A later group of the same node reuses the collectors that
// are already registered, so counters carry across views.
func newMetrics(reg prometheus.Registerer, node view.NodeID) *metrics {
	labels := prometheus.Labels{"node": strconv.FormatUint(uint64(node), 10)}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vsync",
			Subsystem:   "multicast",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{"subgroup"})
	}

	m := &metrics{
		sent:      counter("messages_sent_total", "Messages this node finished multicasting."),
		received:  counter("messages_received_total", "Messages received from other members."),
		delivered: counter("messages_delivered_total", "Messages handed to the client."),
		persisted: counter("messages_persisted_total", "Messages acknowledged by the persistence sink."),
		buffersInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "vsync",
			Subsystem:   "multicast",
			Name:        "buffers_in_use",
			Help:        "Message buffers currently owned by a message.",
			ConstLabels: labels,
		}, []string{"subgroup"}),
		suspicions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "vsync",
			Subsystem:   "multicast",
			Name:        "suspicions_total",
			Help:        "Members this node reported as suspected.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m
	}
	m.sent = register(reg, m.sent)
	m.received = register(reg, m.received)
	m.delivered = register(reg, m.delivered)
	m.persisted = register(reg, m.persisted)
	m.buffersInUse = register(reg, m.buffersInUse)
	m.suspicions = register(reg, m.suspicions)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func sgLabel(sg uint32) string {
	return strconv.FormatUint(uint64(sg), 10)
}
