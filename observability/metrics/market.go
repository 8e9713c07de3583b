package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"coursemarket/core/events"
	"coursemarket/core/types"
	"coursemarket/native/market"
)

type MarketMetrics struct {
	purchases   prometheus.Counter
	refunds     *prometheus.CounterVec
	withdrawals prometheus.Counter
	referrals   prometheus.Counter
	pendingSum  prometheus.Gauge
	pauseState  prometheus.Gauge

	// pendingBySeller carries the last observed pending balance per seller
	// so pendingSum can publish the aggregate across all sellers.
	mu              sync.Mutex
	pendingBySeller map[string]float64
	pendingTotal    float64
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide market metrics, registering them on first
// use.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			pendingBySeller: make(map[string]float64),
			purchases: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_purchases_total",
				Help: "Count of settled purchases.",
			}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_refunds_total",
				Help: "Count of processed refund requests by outcome.",
			}, []string{"approved"}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_withdrawals_total",
				Help: "Count of completed seller withdrawals.",
			}),
			referrals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_referral_rewards_total",
				Help: "Count of referral rewards paid.",
			}),
			pendingSum: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_pending_earnings_sum",
				Help: "Sum of all sellers' pending earnings awaiting withdrawal.",
			}),
			pauseState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_paused",
				Help: "Whether the market module is currently paused (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.purchases,
			marketRegistry.refunds,
			marketRegistry.withdrawals,
			marketRegistry.referrals,
			marketRegistry.pendingSum,
			marketRegistry.pauseState,
		)
	})
	return marketRegistry
}

// Emit implements events.Emitter so the collector can be fanned in next to
// the reconciliation sink.
func (m *MarketMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	var attrs map[string]string
	if ok {
		if payload := carrier.Event(); payload != nil {
			attrs = payload.Attributes
		}
	}
	switch evt.EventType() {
	case market.EventTypePurchaseCompleted:
		m.purchases.Inc()
	case market.EventTypeRefundProcessed:
		approved := "false"
		if attrs != nil && attrs["approved"] == "true" {
			approved = "true"
		}
		m.refunds.WithLabelValues(approved).Inc()
	case market.EventTypeWithdrawalCompleted:
		m.withdrawals.Inc()
	case market.EventTypeReferralReward:
		m.referrals.Inc()
	case market.EventTypeEarningsUpdated:
		if attrs != nil {
			if pending, err := strconv.ParseFloat(attrs["pending"], 64); err == nil {
				m.observePending(attrs["seller"], pending)
			}
		}
	case market.EventTypePauseChanged:
		if attrs != nil && attrs["paused"] == "true" {
			m.pauseState.Set(1)
		} else {
			m.pauseState.Set(0)
		}
	}
}

func (m *MarketMetrics) observePending(seller string, pending float64) {
	if seller == "" {
		return
	}
	m.mu.Lock()
	m.pendingTotal += pending - m.pendingBySeller[seller]
	m.pendingBySeller[seller] = pending
	m.pendingSum.Set(m.pendingTotal)
	m.mu.Unlock()
}
