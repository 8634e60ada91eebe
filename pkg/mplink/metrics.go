package mplink

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// linkMetrics is a per-link counter/histogram bundle, built the way
// pkg/api/api0's apiMetrics is: one *metrics.Set per link instance, labeled
// counters grouped by result, all created when the link is constructed.
type linkMetrics struct {
	set *metrics.Set

	rx_datagrams_total struct {
		ok      *metrics.Counter
		invalid *metrics.Counter
		dropped *metrics.Counter
	}
	tx_datagrams_total struct {
		ok    *metrics.Counter
		error *metrics.Counter
	}
	slaves_total struct {
		created *metrics.Counter
		closed  *metrics.Counter
		aborted *metrics.Counter
	}
	slaves_active  *metrics.Counter
	paths_active   *metrics.Counter
	rendezvous_put_wait_seconds *metrics.Histogram
}

func newLinkMetrics(prefix string) *linkMetrics {
	m := &linkMetrics{set: metrics.NewSet()}

	m.rx_datagrams_total.ok = m.set.NewCounter(prefix + `_rx_datagrams_total{result="ok"}`)
	m.rx_datagrams_total.invalid = m.set.NewCounter(prefix + `_rx_datagrams_total{result="invalid"}`)
	m.rx_datagrams_total.dropped = m.set.NewCounter(prefix + `_rx_datagrams_total{result="dropped"}`)

	m.tx_datagrams_total.ok = m.set.NewCounter(prefix + `_tx_datagrams_total{result="ok"}`)
	m.tx_datagrams_total.error = m.set.NewCounter(prefix + `_tx_datagrams_total{result="error"}`)

	m.slaves_total.created = m.set.NewCounter(prefix + `_slaves_total{result="created"}`)
	m.slaves_total.closed = m.set.NewCounter(prefix + `_slaves_total{result="closed"}`)
	m.slaves_total.aborted = m.set.NewCounter(prefix + `_slaves_total{result="aborted"}`)

	m.slaves_active = m.set.NewCounter(prefix + `_slaves_active`)
	m.paths_active = m.set.NewCounter(prefix + `_paths_active`)
	m.rendezvous_put_wait_seconds = m.set.NewHistogram(prefix + `_rendezvous_put_wait_seconds`)

	return m
}

// WritePrometheus writes this link's metrics in Prometheus text exposition
// format, matching the signature of pkg/nspkt's Listener.WritePrometheus.
func (m *linkMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
