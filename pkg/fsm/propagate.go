package fsm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corrflow/corrflow/pkg/models"
)

// trendHistoryCap bounds the per-metric sample ring feeding trend
// computation.
const trendHistoryCap = 32

// trendStabilityBand is the relative delta below which a trend counts as
// stable.
const trendStabilityBand = 0.01

// buildPropagatedEvent assembles the enriched payload for a match at the
// given satisfaction level. Caller holds the instance lock.
func (r *Runtime) buildPropagatedEvent(dep *deployment, entry *instanceEntry, satisfaction float64) *models.PropagatedEvent {
	state := entry.state
	now := time.Now()

	event := &models.PropagatedEvent{
		EventID:           uuid.New().String(),
		MachineID:         state.MachineID,
		SourceNodeID:      r.nodeID,
		WorkflowID:        state.WorkflowID,
		Timestamp:         now,
		SatisfactionLevel: satisfaction,
		TimeWindow: models.TimeWindow{
			StartedAt:   state.WindowStartedAt,
			CompletedAt: now,
			WindowMS:    dep.descriptor.WindowMS,
		},
	}
	if w, ok := r.windows.GetWindow(state.InstanceID); ok {
		event.TimeWindow.WindowMS = w.WindowMS
		event.TimeWindow.RemainingMS = r.windows.RemainingMS(state.InstanceID)
	} else if state.WindowExpiresAt != nil {
		// The window may already be cancelled (propagate_enriched cancels it
		// first); the snapshot still knows how much time was left.
		if remaining := time.Until(*state.WindowExpiresAt).Milliseconds(); remaining > 0 {
			event.TimeWindow.RemainingMS = remaining
		}
	}

	cfg := &dep.descriptor.Propagation
	if cfg.IncludeMatchedValues {
		event.MatchedValues = make(map[string]models.MatchedValue, len(state.MatchedValues))
		for k, v := range state.MatchedValues {
			event.MatchedValues[k] = v
		}
	}
	if cfg.IncludeLocalActions {
		event.LocalActionsTaken = append([]models.LocalAction(nil), state.LocalActionsTaken...)
	}
	for _, spec := range cfg.ComputeTrends {
		if signal, ok := computeTrend(spec, entry.trends[spec.MetricName]); ok {
			event.PrecursorSignals = append(event.PrecursorSignals, signal)
		}
	}
	if cfg.Signature != nil {
		signature, err := signEvent(cfg.Signature, event)
		if err != nil {
			slog.Warn("Propagated event signing failed",
				"machine_id", state.MachineID, "algorithm", cfg.Signature.Algorithm, "error", err)
		} else {
			event.Signature = signature
		}
	}
	return event
}

// computeTrend classifies the metric's history as rising, falling, or stable
// by the first-versus-last delta. Fewer than two samples is always stable.
func computeTrend(spec models.TrendSpec, history []float64) (models.PrecursorSignal, bool) {
	if len(history) == 0 {
		return models.PrecursorSignal{}, false
	}

	last := history[len(history)-1]
	signal := models.PrecursorSignal{
		MetricName: spec.MetricName,
		Value:      last,
		Unit:       spec.Unit,
		Direction:  models.TrendStable,
	}
	if len(history) < 2 {
		return signal, true
	}

	first := history[0]
	delta := last - first
	band := trendStabilityBand * math.Max(math.Abs(first), 1e-9)
	switch {
	case math.Abs(delta) <= band:
		signal.Direction = models.TrendStable
	case delta > 0:
		signal.Direction = models.TrendRising
	default:
		signal.Direction = models.TrendFalling
	}
	return signal, true
}

// recordTrendSample appends a numeric matched value to the metric's bounded
// ring. Caller holds the instance lock.
func recordTrendSample(entry *instanceEntry, metric string, value float64) {
	if entry.trends == nil {
		entry.trends = make(map[string][]float64)
	}
	samples := append(entry.trends[metric], value)
	if len(samples) > trendHistoryCap {
		samples = samples[len(samples)-trendHistoryCap:]
	}
	entry.trends[metric] = samples
}

// signEvent digests the canonical tuple (machine id, source node id,
// timestamp, satisfaction level, matched values) and formats the signature as
// "<algorithm>:<hex_digest>". Matched values are inside the digest so an edge
// verifier detects tampering with them.
func signEvent(cfg *models.SignatureConfig, event *models.PropagatedEvent) (string, error) {
	canonical := strings.Join([]string{
		event.MachineID,
		event.SourceNodeID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(event.SatisfactionLevel, 'f', -1, 64),
		canonicalMatchedValues(event.MatchedValues),
	}, "|")

	switch cfg.Algorithm {
	case models.SigSHA256:
		sum := sha256.Sum256([]byte(canonical))
		return string(cfg.Algorithm) + ":" + hex.EncodeToString(sum[:]), nil
	case models.SigSHA512:
		sum := sha512.Sum512([]byte(canonical))
		return string(cfg.Algorithm) + ":" + hex.EncodeToString(sum[:]), nil
	case models.SigHMACSHA256:
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return "", fmt.Errorf("hmac secret env %q is empty", cfg.SecretEnv)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(canonical))
		return string(cfg.Algorithm) + ":" + hex.EncodeToString(mac.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unknown signature algorithm %q", cfg.Algorithm)
	}
}

// canonicalMatchedValues serializes matched values deterministically for
// signing: "metric=value@unit" entries sorted by metric name, joined with
// ";". Empty when matched values are absent or excluded from propagation.
func canonicalMatchedValues(values map[string]models.MatchedValue) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := values[k]
		parts = append(parts, k+"="+fmt.Sprint(v.Value)+"@"+v.Unit)
	}
	return strings.Join(parts, ";")
}
