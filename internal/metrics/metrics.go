package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MailArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarc_mail_archived_total",
			Help: "Mails accepted into the archive",
		},
	)

	DispatchesEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarc_dispatches_enqueued_total",
			Help: "Fresh dispatch rows created by fan-out",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarc_deliveries_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"}, // success|failure
	)

	NotifyErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarc_notify_errors_total",
			Help: "Wake-up publishes that failed (best-effort channel)",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MailArchivedTotal,
		DispatchesEnqueuedTotal,
		DeliveriesTotal,
		NotifyErrorsTotal,
	)
}
