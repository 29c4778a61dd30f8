package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberml/corun/channel"
	"github.com/emberml/corun/sched"
)

// RuntimeCollector exposes a scheduler's counters to prometheus.
type RuntimeCollector struct {
	rt *sched.Runtime

	submitted   *prometheus.Desc
	completed   *prometheus.Desc
	steals      *prometheus.Desc
	parks       *prometheus.Desc
	timersFired *prometheus.Desc
	workers     *prometheus.Desc
}

// NewRuntimeCollector creates a collector over rt. Register it with a
// prometheus.Registerer to scrape it.
func NewRuntimeCollector(rt *sched.Runtime) *RuntimeCollector {
	return &RuntimeCollector{
		rt: rt,
		submitted: prometheus.NewDesc("corun_sched_submitted_total",
			"Tasks and coroutines submitted to the scheduler.", nil, nil),
		completed: prometheus.NewDesc("corun_sched_completed_total",
			"Tasks and coroutines that ran to completion.", nil, nil),
		steals: prometheus.NewDesc("corun_sched_steals_total",
			"Successful work steals between workers.", nil, nil),
		parks: prometheus.NewDesc("corun_sched_worker_parks_total",
			"Idle parks taken by workers.", nil, nil),
		timersFired: prometheus.NewDesc("corun_sched_timers_fired_total",
			"Timers moved to the run queues.", nil, nil),
		workers: prometheus.NewDesc("corun_sched_workers",
			"Size of the worker pool.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submitted
	ch <- c.completed
	ch <- c.steals
	ch <- c.parks
	ch <- c.timersFired
	ch <- c.workers
}

// Collect implements prometheus.Collector.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.rt.Stats()
	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(s.Submitted))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(c.steals, prometheus.CounterValue, float64(s.Steals))
	ch <- prometheus.MustNewConstMetric(c.parks, prometheus.CounterValue, float64(s.Parks))
	ch <- prometheus.MustNewConstMetric(c.timersFired, prometheus.CounterValue, float64(s.TimersFired))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(c.rt.Workers()))
}

// ChannelCollector exposes one channel's throughput snapshot under a name
// label. The snapshot function is typically a bound (*Chan).Stats.
type ChannelCollector struct {
	name     string
	snapshot func() channel.Snapshot

	sends      *prometheus.Desc
	recvs      *prometheus.Desc
	sendBlocks *prometheus.Desc
	recvBlocks *prometheus.Desc
	length     *prometheus.Desc
}

// NewChannelCollector creates a collector for the channel identified by
// name.
func NewChannelCollector(name string, snapshot func() channel.Snapshot) *ChannelCollector {
	labels := prometheus.Labels{"channel": name}
	return &ChannelCollector{
		name:     name,
		snapshot: snapshot,
		sends: prometheus.NewDesc("corun_channel_sends_total",
			"Completed sends.", nil, labels),
		recvs: prometheus.NewDesc("corun_channel_recvs_total",
			"Completed receives.", nil, labels),
		sendBlocks: prometheus.NewDesc("corun_channel_send_blocks_total",
			"Sends that had to queue a waiter.", nil, labels),
		recvBlocks: prometheus.NewDesc("corun_channel_recv_blocks_total",
			"Receives that had to queue a waiter.", nil, labels),
		length: prometheus.NewDesc("corun_channel_length",
			"Buffered element count.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sends
	ch <- c.recvs
	ch <- c.sendBlocks
	ch <- c.recvBlocks
	ch <- c.length
}

// Collect implements prometheus.Collector.
func (c *ChannelCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.sends, prometheus.CounterValue, float64(s.Sends))
	ch <- prometheus.MustNewConstMetric(c.recvs, prometheus.CounterValue, float64(s.Recvs))
	ch <- prometheus.MustNewConstMetric(c.sendBlocks, prometheus.CounterValue, float64(s.SendBlocks))
	ch <- prometheus.MustNewConstMetric(c.recvBlocks, prometheus.CounterValue, float64(s.RecvBlocks))
	ch <- prometheus.MustNewConstMetric(c.length, prometheus.GaugeValue, float64(s.Len))
}
