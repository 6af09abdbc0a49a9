package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/confidential-runtime/execution"
	"github.com/R3E-Network/confidential-runtime/pkg/logger"
	"github.com/R3E-Network/confidential-runtime/storage"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// Recorder persists one append-only record per completed request through
// the storage Engine and mirrors the same outcome into Prometheus. It
// implements execution.MetricsSink, sandbox.Profiler (via RecordBindingCall)
// and the storage Engine's IntegrityAlertFn signature (via OnIntegrityAlert).
type Recorder struct {
	engine *storage.Engine
	log    *logger.Logger
	seq    atomic.Int64
}

// NewRecorder builds a Recorder writing through engine.
func NewRecorder(engine *storage.Engine, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Recorder{engine: engine, log: log}
}

type metricsRecord struct {
	FunctionID string `json:"function_id"`
	UserID     string `json:"user_id"`
	GasUsed    int64  `json:"gas_used"`
	WallMS     int64  `json:"wall_ms"`
	Timestamp  int64  `json:"timestamp"`
}

type failureRecord struct {
	FunctionID    string     `json:"function_id"`
	UserID        string     `json:"user_id"`
	ErrorKind     types.Kind `json:"error_kind"`
	Message       string     `json:"message"`
	GasUsedAtFail int64      `json:"gas_used_at_fail"`
	WallMS        int64      `json:"wall_ms"`
	Timestamp     int64      `json:"timestamp"`
}

// RecordSuccess implements execution.MetricsSink.
func (r *Recorder) RecordSuccess(rec execution.SuccessRecord) {
	payload := metricsRecord{
		FunctionID: rec.FunctionID,
		UserID:     rec.UserID,
		GasUsed:    rec.GasUsed,
		WallMS:     rec.WallMS,
		Timestamp:  time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.WithField("error", err).Error("failed to marshal success record")
		return
	}

	key := fmt.Sprintf("metrics/%s/%s/%d", sanitizeKeySegment(rec.FunctionID), sanitizeKeySegment(rec.UserID), r.seq.Add(1))
	if err := r.engine.Write(context.Background(), key, raw); err != nil {
		r.log.WithField("error", err).Error("failed to persist execution metrics record")
	}

	executionsTotal.WithLabelValues("success").Inc()
	executionDuration.WithLabelValues("success").Observe(float64(rec.WallMS) / 1000)
	gasUsedHistogram.WithLabelValues("success").Observe(float64(rec.GasUsed))
}

// RecordFailure implements execution.MetricsSink.
func (r *Recorder) RecordFailure(rec execution.FailureRecord) {
	payload := failureRecord{
		FunctionID:    rec.FunctionID,
		UserID:        rec.UserID,
		ErrorKind:     rec.ErrorKind,
		Message:       rec.Message,
		GasUsedAtFail: rec.GasUsedAtFail,
		WallMS:        rec.WallMS,
		Timestamp:     time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.WithField("error", err).Error("failed to marshal failure record")
		return
	}

	key := fmt.Sprintf("failures/%s/%s/%d", sanitizeKeySegment(rec.FunctionID), sanitizeKeySegment(rec.UserID), r.seq.Add(1))
	if err := r.engine.Write(context.Background(), key, raw); err != nil {
		r.log.WithField("error", err).Error("failed to persist execution failure record")
	}

	status := string(rec.ErrorKind)
	executionsTotal.WithLabelValues("failure").Inc()
	executionDuration.WithLabelValues("failure").Observe(float64(rec.WallMS) / 1000)
	gasUsedHistogram.WithLabelValues("failure").Observe(float64(rec.GasUsedAtFail))
	failuresByKind.WithLabelValues(status).Inc()

	r.log.WithFields(logrus.Fields{
		"function_id": rec.FunctionID,
		"user_id":     rec.UserID,
		"error_kind":  rec.ErrorKind,
	}).Warn(rec.Message)
}

// OnIntegrityAlert matches the storage Engine's IntegrityAlertFn signature;
// wiring a Recorder's method value into EngineConfig.IntegrityAlertFn gives
// the storage layer its one hook into audit, per that field's doc comment.
func (r *Recorder) OnIntegrityAlert(key string, failures int) {
	integrityAlertsTotal.WithLabelValues(key).Inc()

	payload := map[string]any{
		"key":       key,
		"failures":  failures,
		"timestamp": time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		alertKey := fmt.Sprintf("integrity-alerts/%d", r.seq.Add(1))
		if err := r.engine.Write(context.Background(), alertKey, raw); err != nil {
			r.log.WithField("error", err).Error("failed to persist integrity alert")
		}
	}

	r.log.WithFields(logrus.Fields{"key": key, "failures": failures}).
		Warn("repeated integrity failures escalated")
}

// RecordBindingCall implements sandbox.Profiler for profiling-enabled
// requests; it never feeds back into gas accounting or the result.
func (r *Recorder) RecordBindingCall(name string, gasCost int64) {
	bindingCallsTotal.WithLabelValues(name).Inc()
	bindingGasTotal.WithLabelValues(name).Add(float64(gasCost))
}

// FailureSummaries reads back stored failure records for functionID and
// extracts a short human line from each using gjson field lookups, instead
// of unmarshaling every record into failureRecord — useful for a quick CLI
// or dashboard listing where the full typed record isn't needed.
func (r *Recorder) FailureSummaries(ctx context.Context, functionID string, limit int) ([]string, error) {
	prefix := fmt.Sprintf("failures/%s/", sanitizeKeySegment(functionID))
	keys, err := r.engine.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list failure records: %w", err)
	}

	summaries := make([]string, 0, len(keys))
	for _, key := range keys {
		raw, err := r.engine.Read(ctx, key)
		if err != nil {
			continue
		}
		kind := gjson.GetBytes(raw, "error_kind").String()
		msg := gjson.GetBytes(raw, "message").String()
		user := gjson.GetBytes(raw, "user_id").String()
		summaries = append(summaries, fmt.Sprintf("%s: %s: %s (user=%s)", key, kind, msg, user))
		if limit > 0 && len(summaries) >= limit {
			break
		}
	}
	return summaries, nil
}

// sanitizeKeySegment keeps function/user identifiers from corrupting the
// storage key hierarchy if they ever contain a path separator.
func sanitizeKeySegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.ReplaceAll(s, "/", "_")
}
