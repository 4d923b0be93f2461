package usage

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vantagehub/dispatchcore/internal/store"
)

// ModelGroup maps a concrete model name to the quota-shared group the
// shared pool is keyed by (§3: a pool counter can cover several logical
// model names). Unrecognized models fall back to their own name.
func ModelGroup(modelName string) string {
	switch {
	case len(modelName) >= 6 && modelName[:6] == "gemini":
		return "gemini"
	case len(modelName) >= 6 && modelName[:6] == "claude":
		return "claude"
	case len(modelName) >= 4 && modelName[:4] == "qwen":
		return "qwen"
	default:
		return modelName
	}
}

// ConsumptionPlugin writes every usage Record into the append-only
// Consumption Log and, for shared accounts, decrements the user's shared
// pool — off the request path, so a slow write never adds latency to the
// caller.
type ConsumptionPlugin struct {
	Store *store.Store
}

// HandleUsage implements Plugin. Consumption is recorded only for a turn
// that actually completed against the upstream; a Failed record (e.g. the
// out-of-capacity outcome once the quota-swap limit is reached) never
// produces a billing-relevant log row.
func (p *ConsumptionPlugin) HandleUsage(ctx context.Context, record Record) {
	if record.Failed {
		return
	}
	rec := store.ConsumptionRecord{
		UserID:      record.UserID,
		AccountID:   record.AccountID,
		ModelName:   record.Model,
		QuotaBefore: record.QuotaBefore,
		QuotaAfter:  record.QuotaAfter,
		Shared:      record.Shared,
	}
	if _, err := p.Store.RecordConsumption(ctx, rec, ModelGroup(record.Model)); err != nil {
		log.WithError(err).WithField("account_id", record.AccountID).Warn("usage: record consumption failed")
	}
}
