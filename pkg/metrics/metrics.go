// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pisowifi"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions that were counting down on the last tick.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_expired_total",
		Help:      "Sessions whose time ran out.",
	})
	SessionsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_granted_total",
		Help:      "Paid grants by payment source and outcome (created, extended).",
	}, []string{"source", "outcome"})
	SessionsMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_migrated_total",
		Help:      "Sessions moved to a new device by token.",
	})
	PesosCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pesos_collected_total",
		Help:      "Pesos credited to sessions or the credit bank.",
	}, []string{"source"})
	CoinslotReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coinslot_reservations_total",
		Help:      "Coin-slot reservation attempts by result.",
	}, []string{"result"})
	CoinslotExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coinslot_leases_expired_total",
		Help:      "Coin-slot leases removed by the sweep.",
	})
	EnforcerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enforcer_calls_total",
		Help:      "Network enforcer calls by action and result.",
	}, []string{"action", "result"})
	IdentityResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_resolutions_total",
		Help:      "MAC resolutions by the strategy that answered.",
	}, []string{"strategy"})
	PortalProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "portal_probes_total",
		Help:      "Captive-portal requests by probe family and authorization.",
	}, []string{"family", "authorized"})
	VendorDevicesHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vendor_devices_healthy",
		Help:      "Sub-vendor coin devices seen within the health window.",
	})
)
