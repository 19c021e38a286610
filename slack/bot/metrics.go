package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_slack_events_total",
			Help: "Events API events received over Socket Mode, by inner type",
		},
		[]string{"type"},
	)

	duplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sift_slack_duplicate_envelopes_total",
			Help: "Envelopes skipped because the same ID was already handled",
		},
	)

	ignoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_slack_mentions_ignored_total",
			Help: "Mentions dropped before the pipeline ran, by reason",
		},
		[]string{"reason"},
	)

	mentionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_slack_mentions_total",
			Help: "Mentions answered, by outcome",
		},
		[]string{"outcome"},
	)

	answerSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_slack_answer_duration_seconds",
			Help:    "Time from mention to posted reply",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
	)

	postErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sift_slack_post_errors_total",
			Help: "Replies the Web API refused to post",
		},
	)
)
