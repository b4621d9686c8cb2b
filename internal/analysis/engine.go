package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xKirisame/hokori/internal/classify"
	"github.com/0xKirisame/hokori/internal/config"
	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/metrics"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/recency"
	"github.com/0xKirisame/hokori/internal/snapshot"
	"github.com/0xKirisame/hokori/internal/taxonomy"
	"github.com/0xKirisame/hokori/internal/unused"
)

// Options configures one analysis pass.
type Options struct {
	ThresholdDays          int
	AdminPolicyArn         string
	BlindSpots             []string
	UnresolvedIsWrite      bool
	Workers                int
	MaxRecommendedPolicies int
}

// OptionsFromConfig maps the analysis section of the config file to Options.
func OptionsFromConfig(cfg config.AnalysisConfig) Options {
	return Options{
		ThresholdDays:          cfg.UnusedThresholdDays,
		AdminPolicyArn:         cfg.AdminPolicyArn,
		BlindSpots:             cfg.AdvisorBlindSpots,
		UnresolvedIsWrite:      cfg.UnresolvedIsWrite,
		Workers:                cfg.Workers,
		MaxRecommendedPolicies: cfg.MaxRecommendedPolicies,
	}
}

// Validate rejects options before any analysis begins.
func (o Options) Validate() error {
	if err := config.ValidateThreshold(o.ThresholdDays); err != nil {
		return err
	}
	if o.MaxRecommendedPolicies < 0 {
		return fmt.Errorf("max recommended policies must not be negative, got %d", o.MaxRecommendedPolicies)
	}
	return nil
}

// Report is the combined output of one analysis pass. Warnings are kept apart
// from the findings.
type Report struct {
	AccountID      string           `json:"AccountId"      yaml:"account_id"`
	GeneratedAt    time.Time        `json:"GeneratedAt"    yaml:"generated_at"`
	ThresholdDays  int              `json:"ThresholdDays"  yaml:"threshold_days"`
	Unused         *unused.Report   `json:"Unused"         yaml:"unused"`
	Classification *classify.Result `json:"Classification" yaml:"classification"`
	Warnings       []diag.Warning   `json:"Warnings"       yaml:"warnings"`
}

// Engine runs unused detection and tier classification over snapshots.
type Engine struct {
	opts    Options
	table   *taxonomy.Table
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates a new analysis Engine. table is the action taxonomy used
// for privilege-level lookups and is never modified.
func NewEngine(opts Options, table *taxonomy.Table, log *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("analysis requires an action taxonomy")
	}
	if m == nil {
		return nil, fmt.Errorf("analysis requires metrics")
	}
	return &Engine{
		opts:    opts,
		table:   table,
		log:     log,
		metrics: m,
		now:     time.Now,
	}, nil
}

// WithClock replaces the engine's clock. Every day count in a pass is taken
// against a single reading of it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run performs a full analysis of snap. It annotates user and role records
// with their LastUsedDays. A fatal error yields no report.
func (e *Engine) Run(ctx context.Context, snap *snapshot.Snapshot) (*Report, error) {
	timer := time.Now()
	e.metrics.AnalysisRuns.Inc()

	report, err := e.run(ctx, snap)
	if err != nil {
		e.metrics.AnalysisFailures.Inc()
		return nil, err
	}

	e.record(report)
	elapsed := time.Since(timer).Seconds()
	e.metrics.AnalysisDuration.Observe(elapsed)
	e.log.Info("analysis complete",
		"account", report.AccountID,
		"threshold_days", report.ThresholdDays,
		"unused_findings", report.Unused.Total(),
		"admins", len(report.Classification.Admins),
		"powerusers", len(report.Classification.Powerusers.Users),
		"read_only", len(report.Classification.ReadOnly),
		"warnings", len(report.Warnings),
		"duration_s", elapsed,
	)
	return report, nil
}

func (e *Engine) run(ctx context.Context, snap *snapshot.Snapshot) (*Report, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	clock := recency.NewResolver(now)
	warnings := diag.NewCollector(e.log)
	analyzer := policy.NewAnalyzer(e.opts.BlindSpots, warnings)
	writes := taxonomy.NewResolver(e.table, e.opts.UnresolvedIsWrite, warnings)
	ix := snapshot.NewIndex(snap)

	unusedReport, err := unused.NewDetector(e.opts.ThresholdDays, clock, analyzer, warnings, e.log).Run(ix)
	if err != nil {
		return nil, fmt.Errorf("detecting unused entities: %w", err)
	}

	unusedUsers := make(map[string]bool, len(unusedReport.Users))
	for _, u := range unusedReport.Users {
		unusedUsers[u.UserName] = true
	}
	classifier := classify.New(classify.Options{
		ThresholdDays:          e.opts.ThresholdDays,
		AdminPolicyArn:         e.opts.AdminPolicyArn,
		Workers:                e.opts.Workers,
		MaxRecommendedPolicies: e.opts.MaxRecommendedPolicies,
	}, clock, analyzer, writes, warnings, e.log)
	result, err := classifier.Run(ctx, ix, unusedUsers)
	if err != nil {
		return nil, fmt.Errorf("classifying users: %w", err)
	}

	return &Report{
		AccountID:      snap.AccountID,
		GeneratedAt:    now,
		ThresholdDays:  e.opts.ThresholdDays,
		Unused:         unusedReport,
		Classification: result,
		Warnings:       warnings.Warnings(),
	}, nil
}

func (e *Engine) record(r *Report) {
	u := r.Unused
	e.metrics.UnusedEntities.WithLabelValues("users").Set(float64(len(u.Users)))
	e.metrics.UnusedEntities.WithLabelValues("roles").Set(float64(len(u.Roles)))
	e.metrics.UnusedEntities.WithLabelValues("access_keys").Set(float64(len(u.AccessKeys)))
	e.metrics.UnusedEntities.WithLabelValues("login_profiles").Set(float64(len(u.LoginProfiles)))
	e.metrics.UnusedEntities.WithLabelValues("policies").Set(float64(len(u.Policies)))
	e.metrics.UnusedEntities.WithLabelValues("groups").Set(float64(len(u.Groups)))
	e.metrics.UnusedEntities.WithLabelValues("policy_attachments").Set(float64(len(u.PolicyAttachments)))

	c := r.Classification
	e.metrics.UsersByTier.WithLabelValues(string(classify.TierAdmin)).Set(float64(len(c.Admins)))
	e.metrics.UsersByTier.WithLabelValues(string(classify.TierPowerUser)).Set(float64(len(c.Powerusers.Users)))
	e.metrics.UsersByTier.WithLabelValues(string(classify.TierReadOnly)).Set(float64(len(c.ReadOnly)))

	for _, w := range r.Warnings {
		e.metrics.Warnings.WithLabelValues(string(w.Kind)).Inc()
	}
}
