// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	namespace   = "reclaim"
	labelDomain = "domain"
	labelKind   = "kind"
)

// Collectors sample the domain's own counters at scrape time.

func registerEpochMetrics(d *EpochDomain) {
	reg := d.opts.registerer
	if reg == nil {
		return
	}
	labels := prometheus.Labels{labelDomain: d.opts.name}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "epoch",
			Help:        "Current global epoch.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.Epoch()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "epoch_advances_total",
			Help:        "Successful epoch advances.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.advances.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "retired_pending",
			Help:        "Retired objects not yet reclaimed.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.pending.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reclaimed_total",
			Help:        "Reclaim functions run.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.reclaimed.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "participants_active",
			Help:        "Participants currently pinned.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.Stats().Active) }),
		stallCounter(d.watch, d.opts.name, "epoch"),
	}
	d.metrics = register(reg, d.log, collectors)
}

func registerRcuMetrics(d *RcuDomain) {
	reg := d.opts.registerer
	if reg == nil {
		return
	}
	labels := prometheus.Labels{labelDomain: d.opts.name}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "rcu_generation",
			Help:        "Latest completed grace period.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.Generation()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "rcu_callbacks_pending",
			Help:        "Deferred callbacks queued and not yet fired.",
			ConstLabels: labels,
		}, func() float64 { return float64(d.queued.Load()) }),
		stallCounter(d.watch, d.opts.name, "rcu"),
	}
	d.metrics = register(reg, d.log, collectors)
}

// stallCounter is shared by both domain kinds; the kind label tells them
// apart when an epoch and an RCU domain share a name.
func stallCounter(w *stallWatch, domain, kind string) prometheus.Collector {
	labels := prometheus.Labels{labelDomain: domain, labelKind: kind}
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "stalls_total",
		Help:        "Reclamation stalls reported by the watchdog.",
		ConstLabels: labels,
	}, func() float64 { return float64(w.count.Load()) })
}

// register registers collectors with reg and returns those that were
// accepted.
func register(reg prometheus.Registerer, log *zap.Logger, collectors []prometheus.Collector) []prometheus.Collector {
	accepted := collectors[:0]
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn("metric registration failed", zap.Error(err))
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted
}

func unregister(reg prometheus.Registerer, collectors []prometheus.Collector) {
	for _, c := range collectors {
		reg.Unregister(c)
	}
}
