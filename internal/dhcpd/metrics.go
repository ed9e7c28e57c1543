package dhcpd

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_dhcp_messages_total",
		Help: "Inbound DHCP messages by type.",
	}, []string{"type"})

	repliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_dhcp_replies_total",
		Help: "Outbound DHCP replies by type.",
	}, []string{"type"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_dhcp_dropped_total",
		Help: "Datagrams dropped without a reply, by reason.",
	}, []string{"reason"})

	conflictsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_dhcp_conflicts_detected_total",
		Help: "Addresses blacklisted after a probe reply or client DECLINE.",
	})

	poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_dhcp_pool_exhausted_total",
		Help: "Allocation attempts that found no free address.",
	})

	activeLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_dhcp_active_leases",
		Help: "Currently committed leases.",
	})

	leaseFileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_dhcp_lease_file_errors_total",
		Help: "Failed writes of the persisted lease file.",
	})
)

func init() {
	prometheus.MustRegister(
		messagesTotal,
		repliesTotal,
		droppedTotal,
		conflictsDetected,
		poolExhausted,
		activeLeases,
		leaseFileErrors,
	)
}
