package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulerTicks        = prometheus.NewCounter(prometheus.CounterOpts{Name: "survey_scheduler_ticks_total", Help: "Scheduler ticks run"})
	SchedulerTickFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "survey_scheduler_tick_failures_total", Help: "Scheduler ticks aborted by a persistence error"})
	CallsDispatched       = prometheus.NewCounter(prometheus.CounterOpts{Name: "survey_calls_dispatched_total", Help: "Outbound calls accepted by the provider"})
	DispatchFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "survey_dispatch_failures_total", Help: "Outbound calls rejected by the provider and rolled back"}, []string{"code"})
	CampaignsSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "survey_campaigns_skipped_total", Help: "Campaigns skipped during a tick"}, []string{"reason"})
	ContactsRequeued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "survey_contacts_requeued_total", Help: "Stale in-progress contacts returned to not_reached"})
	OpenAttemptsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "survey_open_attempts", Help: "Call attempts without an outcome at the start of the last tick"})
	WebhookEventsApplied  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "survey_webhook_events_applied_total", Help: "Provider events applied to an attempt"}, []string{"event_type"})
	WebhookEventsSkipped  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "survey_webhook_events_skipped_total", Help: "Provider events skipped"}, []string{"reason"})
	DialogueStartFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "survey_dialogue_start_failures_total", Help: "Dialogue start requests that failed after an answered event"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulerTicks,
			SchedulerTickFailures,
			CallsDispatched,
			DispatchFailures,
			CampaignsSkipped,
			ContactsRequeued,
			OpenAttemptsGauge,
			WebhookEventsApplied,
			WebhookEventsSkipped,
			DialogueStartFailures,
		)
	})
	return promhttp.Handler()
}
