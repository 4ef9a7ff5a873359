package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_registrations_total",
		Help: "Device registration attempts by outcome.",
	}, []string{"outcome"})

	metricCheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_checkins_total",
		Help: "Device status polls by outcome.",
	}, []string{"outcome"})

	metricCommandsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_commands_delivered_total",
		Help: "Commands handed to devices in check-in responses.",
	})

	metricCommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_commands_acknowledged_total",
		Help: "Command acknowledgments by reported status.",
	}, []string{"status"})

	metricCommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_commands_expired_total",
		Help: "Pending commands swept past their expiry.",
	})
)
