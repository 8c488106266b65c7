package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// CheckCandle runs the per-row checks on a stored candle and returns every
// finding. A candle can yield several anomalies; an empty result means clean.
func CheckCandle(c models.Candle) []models.Anomaly {
	var anomalies []models.Anomaly
	add := func(typ models.AnomalyType, sev models.SeverityLevel, format string, args ...any) {
		anomalies = append(anomalies, models.Anomaly{
			Type:     typ,
			Severity: sev,
			Key:      c.Key(),
			Detail:   fmt.Sprintf(format, args...),
		})
	}

	prices := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}
	for _, p := range prices {
		if !p.value.IsPositive() {
			add(models.AnomalyNonPositivePrice, models.SeverityError, "%s price %s is not positive", p.name, p.value)
		}
	}

	switch {
	case c.Volume.IsNegative():
		add(models.AnomalyNegativeVolume, models.SeverityError, "volume %s is negative", c.Volume)
	case c.Volume.IsZero():
		add(models.AnomalyZeroVolume, models.SeverityWarning, "volume is zero")
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		add(models.AnomalyOHLCInvariant, models.SeverityError,
			"high %s below max(open, close) %s", c.High, maxOpenClose)
	}
	if c.Low.GreaterThan(minOpenClose) {
		add(models.AnomalyOHLCInvariant, models.SeverityError,
			"low %s above min(open, close) %s", c.Low, minOpenClose)
	}

	return anomalies
}

// NullAnomaly reports a stored row with a NULL price or volume column.
func NullAnomaly(key models.CandleKey) models.Anomaly {
	return models.Anomaly{
		Type:     models.AnomalyNullField,
		Severity: models.SeverityError,
		Key:      key,
		Detail:   "row has NULL price or volume",
	}
}
