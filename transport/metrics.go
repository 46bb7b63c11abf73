package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector exposing per-Session rudp.Stats
// plus live congestion-control gauges, grounded on TCPInfoCollector in
// the sockstats pack example (pkg/exporter/exporter.go): a
// Describe/Collect pair wrapping a map of live objects guarded by a
// mutex, reporting labeled per-connection metrics by walking the map
// on every scrape rather than pushing on every update.
type Collector struct {
	mu       sync.Mutex
	sessions map[string]*Session

	inSegs, outSegs, inBytes, outBytes *prometheus.Desc
	retrans, fastRetrans, lost, repeat *prometheus.Desc
	inErrors                           *prometheus.Desc
	cwnd, srtt, rto, waitSnd           *prometheus.Desc
}

// NewCollector builds an empty Collector. Register Sessions with Add
// as they are created (Dial or Listener.Accept) and Remove them on
// Close, the same lifecycle TCPInfoCollector.Add/Remove models for a
// raw net.Conn.
func NewCollector() *Collector {
	constLabels := prometheus.Labels{}
	return &Collector{
		sessions:    make(map[string]*Session),
		inSegs:      prometheus.NewDesc("rudp_in_segs_total", "Segments received.", []string{"session"}, constLabels),
		outSegs:     prometheus.NewDesc("rudp_out_segs_total", "Segments sent.", []string{"session"}, constLabels),
		inBytes:     prometheus.NewDesc("rudp_in_bytes_total", "Bytes received.", []string{"session"}, constLabels),
		outBytes:    prometheus.NewDesc("rudp_out_bytes_total", "Bytes sent.", []string{"session"}, constLabels),
		retrans:     prometheus.NewDesc("rudp_retrans_segs_total", "Retransmitted segments (timeout + fast).", []string{"session"}, constLabels),
		fastRetrans: prometheus.NewDesc("rudp_fast_retrans_segs_total", "Fast-retransmitted segments.", []string{"session"}, constLabels),
		lost:        prometheus.NewDesc("rudp_lost_segs_total", "Segments presumed lost to timeout.", []string{"session"}, constLabels),
		repeat:      prometheus.NewDesc("rudp_repeat_segs_total", "Duplicate segments received.", []string{"session"}, constLabels),
		inErrors:    prometheus.NewDesc("rudp_in_errors_total", "Unparseable inbound datagrams.", []string{"session"}, constLabels),
		cwnd:        prometheus.NewDesc("rudp_cwnd", "Current effective congestion window, in segments.", []string{"session"}, constLabels),
		srtt:        prometheus.NewDesc("rudp_srtt_ms", "Smoothed round-trip time estimate.", []string{"session"}, constLabels),
		rto:         prometheus.NewDesc("rudp_rto_ms", "Current retransmission timeout.", []string{"session"}, constLabels),
		waitSnd:     prometheus.NewDesc("rudp_wait_snd", "Segments queued or in flight on the send side.", []string{"session"}, constLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inSegs
	ch <- c.outSegs
	ch <- c.inBytes
	ch <- c.outBytes
	ch <- c.retrans
	ch <- c.fastRetrans
	ch <- c.lost
	ch <- c.repeat
	ch <- c.inErrors
	ch <- c.cwnd
	ch <- c.srtt
	ch <- c.rto
	ch <- c.waitSnd
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for label, s := range c.sessions {
		st := s.engine.Stats.Snapshot()
		cwnd, srtt, rto, waitSnd := s.Gauges()
		ch <- prometheus.MustNewConstMetric(c.inSegs, prometheus.CounterValue, float64(st.InSegs), label)
		ch <- prometheus.MustNewConstMetric(c.outSegs, prometheus.CounterValue, float64(st.OutSegs), label)
		ch <- prometheus.MustNewConstMetric(c.inBytes, prometheus.CounterValue, float64(st.InBytes), label)
		ch <- prometheus.MustNewConstMetric(c.outBytes, prometheus.CounterValue, float64(st.OutBytes), label)
		ch <- prometheus.MustNewConstMetric(c.retrans, prometheus.CounterValue, float64(st.RetransSegs), label)
		ch <- prometheus.MustNewConstMetric(c.fastRetrans, prometheus.CounterValue, float64(st.FastRetransSegs), label)
		ch <- prometheus.MustNewConstMetric(c.lost, prometheus.CounterValue, float64(st.LostSegs), label)
		ch <- prometheus.MustNewConstMetric(c.repeat, prometheus.CounterValue, float64(st.RepeatSegs), label)
		ch <- prometheus.MustNewConstMetric(c.inErrors, prometheus.CounterValue, float64(st.InErrors), label)
		ch <- prometheus.MustNewConstMetric(c.cwnd, prometheus.GaugeValue, float64(cwnd), label)
		ch <- prometheus.MustNewConstMetric(c.srtt, prometheus.GaugeValue, float64(srtt), label)
		ch <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, float64(rto), label)
		ch <- prometheus.MustNewConstMetric(c.waitSnd, prometheus.GaugeValue, float64(waitSnd), label)
	}
}

// Add registers a Session under label (typically its Session.id or
// RemoteAddr().String()) so it appears in the next Collect.
func (c *Collector) Add(label string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[label] = s
}

// Remove drops a Session from the collector, called on Session.Close.
func (c *Collector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, label)
}
