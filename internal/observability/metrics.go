package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Trading ---
	TradesSettled  *prometheus.CounterVec // labels: market, action
	TradesRejected *prometheus.CounterVec // labels: market, reason
	TradeDuration  *prometheus.HistogramVec
	TradeNotional  *prometheus.CounterVec

	// --- Market state ---
	MarkPrice       *prometheus.GaugeVec // labels: market
	IndexPrice      *prometheus.GaugeVec
	OpenInterest    *prometheus.GaugeVec // labels: market, side
	VirtualReserves *prometheus.GaugeVec // labels: market, reserve

	// --- Funding ---
	FundingUpdates     *prometheus.CounterVec // labels: market
	FundingRate        *prometheus.GaugeVec
	FundingUpdateSkips *prometheus.CounterVec // labels: market, reason

	// --- Liquidation & insurance ---
	Liquidations       *prometheus.CounterVec // labels: market
	LiquidationsFailed *prometheus.CounterVec // labels: market, reason
	InsuranceBalance   prometheus.Gauge
	InsuranceDraws     prometheus.Counter
	SocializedLoss     *prometheus.GaugeVec // labels: market

	// --- Ledger ---
	LedgerEntries *prometheus.CounterVec // labels: kind

	// --- Event pipeline ---
	EventsEmitted  *prometheus.CounterVec // labels: type
	StreamDrops    prometheus.Counter
	PersistBacklog prometheus.Gauge

	// --- Persistence worker ---
	PersistErrors          *prometheus.CounterVec // labels: stage
	PersistBatchDuration   prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistLastSequence    prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		TradesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_trades_settled_total",
			Help: "Trades settled through the virtual AMM, by market and action.",
		}, []string{"market", "action"}),

		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_trades_rejected_total",
			Help: "Trades rejected before settlement, by market and reason.",
		}, []string{"market", "reason"}),

		TradeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synthperp_trade_duration_seconds",
			Help:    "End-to-end duration of one atomic trade operation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"market"}),

		TradeNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_trade_notional_total",
			Help: "Cumulative traded notional in quote units, by market.",
		}, []string{"market"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_mark_price",
			Help: "Virtual AMM mark price (price scale), by market.",
		}, []string{"market"}),

		IndexPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_index_price",
			Help: "Weighted oracle index price (price scale), by market.",
		}, []string{"market"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_open_interest",
			Help: "Open interest in base units, by market and side.",
		}, []string{"market", "side"}),

		VirtualReserves: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_virtual_reserves",
			Help: "Virtual reserve levels, by market and reserve (base|quote).",
		}, []string{"market", "reserve"}),

		FundingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_funding_updates_total",
			Help: "Applied funding index updates, by market.",
		}, []string{"market"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_funding_rate",
			Help: "Last clamped per-interval funding rate (rate scale), by market.",
		}, []string{"market"}),

		FundingUpdateSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_funding_update_skips_total",
			Help: "Funding updates that failed closed, by market and reason.",
		}, []string{"market", "reason"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_liquidations_total",
			Help: "Completed forced closes, by market.",
		}, []string{"market"}),

		LiquidationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_liquidations_failed_total",
			Help: "Rejected liquidation attempts, by market and reason.",
		}, []string{"market", "reason"}),

		InsuranceBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synthperp_insurance_balance",
			Help: "Insurance fund balance in quote units.",
		}),

		InsuranceDraws: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synthperp_insurance_draws_total",
			Help: "Cumulative insurance fund payouts in quote units.",
		}),

		SocializedLoss: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthperp_socialized_loss",
			Help: "Accrued uncovered liquidation shortfall, by market.",
		}, []string{"market"}),

		LedgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_ledger_entries_total",
			Help: "Balance journal entries written, by kind.",
		}, []string{"kind"}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_events_emitted_total",
			Help: "Events emitted into the outbound pipeline, by type.",
		}, []string{"type"}),

		StreamDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synthperp_stream_drops_total",
			Help: "Events dropped on the non-blocking stream channel.",
		}),

		PersistBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synthperp_persist_backlog",
			Help: "Events buffered ahead of the persistence worker.",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synthperp_persist_errors_total",
			Help: "Persistence write failures, by stage.",
		}, []string{"stage"}),

		PersistBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synthperp_persist_batch_duration_seconds",
			Help:    "Duration of one persistence batch flush.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synthperp_persist_batch_size",
			Help:    "Events per flushed persistence batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synthperp_persist_events_written_total",
			Help: "Event rows written to Postgres.",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synthperp_persist_journals_written_total",
			Help: "Journal rows written to Postgres.",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synthperp_persist_last_sequence",
			Help: "Highest event sequence durably written.",
		}),
	}
}
