package metrics

import (
	"github.com/djlord-it/deliveryguard/internal/dispatcher"
	"github.com/djlord-it/deliveryguard/internal/leaderelection"
	"github.com/djlord-it/deliveryguard/internal/reconciler"
	"github.com/djlord-it/deliveryguard/internal/tracker"
	"github.com/djlord-it/deliveryguard/internal/transport/channel"
)

// Sink must satisfy every component's sink so one value can be wired everywhere.
var (
	_ tracker.MetricsSink        = Sink(nil)
	_ dispatcher.MetricsSink     = Sink(nil)
	_ channel.MetricsSink        = Sink(nil)
	_ reconciler.MetricsSink     = Sink(nil)
	_ leaderelection.MetricsSink = Sink(nil)
)
