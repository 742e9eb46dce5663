package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onenameio/blockstore/types"
)

// PrometheusObserver exports state transitions as prometheus metrics.
type PrometheusObserver struct {
	proposalsReceived   prometheus.Counter
	proposalsAccepted   prometheus.Counter
	proposalsRejected   *prometheus.CounterVec
	lastBurnHeight      prometheus.Gauge
	rewardCycle         prometheus.Gauge
	staleResponses      prometheus.Counter
	blocksSigned        prometheus.Counter
	lastSignedWeightPct prometheus.Gauge
}

var _ Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the signer metric family on the default
// registry. Call at most once per process.
func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{
		proposalsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signer_total_proposals_received",
			Help: "Total block proposals entering evaluation",
		}),
		proposalsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signer_total_proposals_accepted",
			Help: "Total block proposals accepted",
		}),
		proposalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_total_proposals_rejected",
			Help: "Total block proposals rejected, by reason code",
		}, []string{"reason_code"}),
		lastBurnHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signer_last_burn_height",
			Help: "Burn height of the most recently observed sortition",
		}),
		rewardCycle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signer_reward_cycle",
			Help: "Most recently observed reward cycle",
		}),
		staleResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signer_total_stale_responses_discarded",
			Help: "Responses discarded without weight: outside the committee or conflicting with a recorded vote",
		}),
		blocksSigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signer_total_blocks_signed",
			Help: "Blocks that reached the weight threshold",
		}),
		lastSignedWeightPct: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "signer_last_signed_weight_percent",
			Help: "Gathered weight percent of the most recently signed block",
		}),
	}
}

func (o *PrometheusObserver) ProposalReceived() {
	o.proposalsReceived.Inc()
}

func (o *PrometheusObserver) ProposalDecided(accepted bool, code types.RejectCode) {
	if accepted {
		o.proposalsAccepted.Inc()
		return
	}
	o.proposalsRejected.WithLabelValues(code.String()).Inc()
}

func (o *PrometheusObserver) SortitionRefreshed(burnHeight uint64) {
	o.lastBurnHeight.Set(float64(burnHeight))
}

func (o *PrometheusObserver) RewardCycleTransition(cycle types.RewardCycle, _ string) {
	o.rewardCycle.Set(float64(cycle))
}

func (o *PrometheusObserver) StaleResponseDiscarded() {
	o.staleResponses.Inc()
}

func (o *PrometheusObserver) BlockSigned(gatheredWeight, totalWeight uint64) {
	o.blocksSigned.Inc()
	if totalWeight > 0 {
		o.lastSignedWeightPct.Set(float64(gatheredWeight) / float64(totalWeight) * 100)
	}
}

// ServeMetrics exposes the prometheus handler until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
