// Package risk computes a 0-100 heuristic score for how suspicious a
// request's context is. The scorer is a pure function of its signals, the
// audit history lookups, and the override control plane; it keeps no mutable
// state of its own.
package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mssola/useragent"

	"anybank/internal/audit"
	id "anybank/pkg/domain"
)

// Factor weights. Fixed; the sum is clamped to [0,100].
const (
	weightNewDevice        = 30
	weightOffHours         = 15
	weightHighVelocity     = 20
	weightPerFailedAttempt = 10
	maxFailedAttemptsRisk  = 30
	weightProxy            = 15
	weightSuspiciousAgent  = 20

	velocityWindow    = 60 * time.Second
	velocityThreshold = 50
	failedWindow      = 15 * time.Minute
)

var suspiciousAgentMarkers = []string{"hacker", "bot", "crawler", "spider", "scraper"}

// History is the slice of the audit store the scorer reads.
type History interface {
	CountRecentActions(ctx context.Context, userID id.UserID, action string, outcome audit.Outcome, since time.Time) (int, error)
}

// Controls is the override surface the scorer consults.
type Controls interface {
	RiskOverride() (int, bool)
	EffectiveTime() time.Time
}

// Signals are the per-request inputs.
type Signals struct {
	UserID       id.UserID // zero for unauthenticated requests
	UserAgent    string
	ForwardedFor string // raw X-Forwarded-For header
}

// Assessment is the result of one scoring pass. Never persisted; only
// audited and broadcast.
type Assessment struct {
	Score          int            `json:"score"`
	Factors        map[string]any `json:"factors"`
	OverrideActive bool           `json:"overrideActive"`
}

// Scorer computes assessments.
type Scorer struct {
	history  History
	controls Controls
	logger   *slog.Logger
}

// Option configures the Scorer.
type Option func(*Scorer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// New creates a Scorer. Both dependencies are required.
func New(history History, controls Controls, opts ...Option) *Scorer {
	if history == nil {
		panic("risk.New: history is required")
	}
	if controls == nil {
		panic("risk.New: controls are required")
	}
	s := &Scorer{history: history, controls: controls}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the assessment for one request. When an override is active
// all computation is bypassed and the pinned value is returned with a factor
// breakdown stating so.
func (s *Scorer) Score(ctx context.Context, sig Signals) Assessment {
	if score, active := s.controls.RiskOverride(); active {
		return Assessment{
			Score: score,
			Factors: map[string]any{
				"override": score,
				"reason":   "Debug override active",
			},
			OverrideActive: true,
		}
	}

	now := s.controls.EffectiveTime()
	factors := make(map[string]any)
	score := 0

	// Factor 1: new device. Heuristic proxy: absent/empty User-Agent.
	newDevice := sig.UserAgent == ""
	detail := map[string]any{"detected": newDevice, "score": factorScore(newDevice, weightNewDevice)}
	if !newDevice {
		detail["device"] = describeDevice(sig.UserAgent)
	}
	factors["newDevice"] = detail
	if newDevice {
		score += weightNewDevice
	}

	// Factor 2: off-hours access (before 06:00 or after 22:00 local).
	offHours := isOffHours(now)
	factors["offHours"] = map[string]any{"detected": offHours, "score": factorScore(offHours, weightOffHours)}
	if offHours {
		score += weightOffHours
	}

	// Factor 3: high velocity of successful actions in the trailing minute.
	highVelocity := !sig.UserID.IsZero() && s.isHighVelocity(ctx, sig.UserID, now)
	factors["highVelocity"] = map[string]any{"detected": highVelocity, "score": factorScore(highVelocity, weightHighVelocity)}
	if highVelocity {
		score += weightHighVelocity
	}

	// Factor 4: recent denied login attempts, 10 points each, capped.
	failedAttempts := 0
	if !sig.UserID.IsZero() {
		failedAttempts = s.countFailedAttempts(ctx, sig.UserID, now)
	}
	failureRisk := min(failedAttempts*weightPerFailedAttempt, maxFailedAttemptsRisk)
	factors["failedAttempts"] = map[string]any{"count": failedAttempts, "score": failureRisk}
	score += failureRisk

	// Factor 5: VPN/proxy heuristic from forwarded-for hop count.
	proxy := isProxied(sig.ForwardedFor)
	factors["vpnProxy"] = map[string]any{"detected": proxy, "score": factorScore(proxy, weightProxy)}
	if proxy {
		score += weightProxy
	}

	// Factor 6: denylisted User-Agent substrings.
	suspicious := isSuspiciousAgent(sig.UserAgent)
	factors["suspiciousUserAgent"] = map[string]any{
		"detected":  suspicious,
		"score":     factorScore(suspicious, weightSuspiciousAgent),
		"userAgent": orNone(sig.UserAgent),
	}
	if suspicious {
		score += weightSuspiciousAgent
	}

	if score > 100 {
		score = 100
	}
	factors["totalScore"] = score

	if s.logger != nil {
		s.logger.Info("calculated risk score", "score", score, "user_id", sig.UserID)
	}

	return Assessment{Score: score, Factors: factors}
}

func (s *Scorer) isHighVelocity(ctx context.Context, userID id.UserID, now time.Time) bool {
	count, err := s.history.CountRecentActions(ctx, userID, audit.ActionAPIRequest, audit.OutcomeSuccess, now.Add(-velocityWindow))
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("velocity lookup failed", "error", err)
		}
		return false
	}
	return count > velocityThreshold
}

func (s *Scorer) countFailedAttempts(ctx context.Context, userID id.UserID, now time.Time) int {
	count, err := s.history.CountRecentActions(ctx, userID, audit.ActionLogin, audit.OutcomeDenied, now.Add(-failedWindow))
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed-attempt lookup failed", "error", err)
		}
		return 0
	}
	return count
}

func isOffHours(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	return minutes < 6*60 || minutes > 22*60
}

func isProxied(forwardedFor string) bool {
	if !strings.Contains(forwardedFor, ",") {
		return false
	}
	return len(strings.Split(forwardedFor, ",")) > 2
}

func isSuspiciousAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, marker := range suspiciousAgentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// describeDevice turns a User-Agent into a short "Browser on OS" label for
// the factor breakdown shown in the debug dashboard.
func describeDevice(uaString string) string {
	ua := useragent.New(uaString)
	browser, _ := ua.Browser()
	os := ua.OS()
	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}
	return browser + " on " + os
}

func factorScore(detected bool, weight int) int {
	if detected {
		return weight
	}
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
