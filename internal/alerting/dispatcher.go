package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"metal-oracle-watcher/internal/metals"
)

// CooldownStore gates repeated alerts of the same type. Implemented by the
// state store with a TTL marker.
type CooldownStore interface {
	TryCooldown(ctx context.Context, alertType string, ttl time.Duration) (bool, error)
}

// Dispatcher sends deduplicated, cooldown-gated notifications. Send never
// returns an error: delivery problems are logged and reported as false.
type Dispatcher struct {
	notifier  Notifier
	cooldowns CooldownStore
	cooldown  time.Duration
	enabled   bool
	logger    zerolog.Logger
}

// NewDispatcher builds an alert dispatcher.
func NewDispatcher(notifier Notifier, cooldowns CooldownStore, cooldown time.Duration, enabled bool, logger zerolog.Logger) *Dispatcher {
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	return &Dispatcher{
		notifier:  notifier,
		cooldowns: cooldowns,
		cooldown:  cooldown,
		enabled:   enabled,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Send delivers one alert unless its type is on cooldown. Returns true only
// when the notification was actually delivered.
func (d *Dispatcher) Send(ctx context.Context, payload Payload) bool {
	if !d.enabled || d.notifier == nil {
		d.logger.Debug().Str("type", string(payload.Type)).Msg("alerting disabled, dropping alert")
		return false
	}

	if d.cooldowns != nil {
		allowed, err := d.cooldowns.TryCooldown(ctx, string(payload.Type), d.cooldown)
		if err != nil {
			// Store trouble should not silence alerts; deliver anyway.
			d.logger.Error().Err(err).Msg("cooldown check failed, sending without gate")
		} else if !allowed {
			d.logger.Debug().Str("type", string(payload.Type)).Msg("alert suppressed by cooldown")
			return false
		}
	}

	if err := d.notifier.Notify(ctx, payload); err != nil {
		d.logger.Error().Err(err).Str("type", string(payload.Type)).Msg("alert delivery failed")
		return false
	}
	return true
}

// DispatchAnomalies maps analyzer anomalies to alert types and sends them
// sequentially.
func (d *Dispatcher) DispatchAnomalies(ctx context.Context, anomalies []metals.Anomaly) {
	for _, anomaly := range anomalies {
		d.Send(ctx, Payload{
			Type:      alertTypeFor(anomaly.Type),
			Severity:  anomaly.Severity,
			Message:   anomaly.Message,
			Metal:     anomaly.Metal,
			Value:     anomaly.Value,
			Timestamp: time.Now().UTC(),
		})
	}
}

func alertTypeFor(kind metals.AnomalyType) AlertType {
	switch kind {
	case metals.AnomalyPriceSpike, metals.AnomalyPriceCrash:
		return AlertPriceAnomaly
	case metals.AnomalySourceFailure:
		return AlertSourceFailure
	case metals.AnomalyStaleData:
		return AlertOracleStale
	}
	return AlertGeneric
}
