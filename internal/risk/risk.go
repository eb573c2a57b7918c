// Package risk scores canonical events. The model is a static per-kind base
// weight multiplied by independent risk factors, so every contributing factor
// stays auditable on its own.
package risk

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"sync"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// Severity tier thresholds.
const (
	criticalScore = 8
	highScore     = 5
	mediumScore   = 3
)

// Config holds the tunable inputs of the scorer. Zero-value fields fall back
// to the defaults when applied.
type Config struct {
	// Weights maps the event-kind suffix (segment after the last '.') to a
	// positive base weight. Unknown suffixes score with weight 1.
	Weights map[string]int `yaml:"weights"`
	// HighRiskCountries are ISO country codes that add to the multiplier.
	HighRiskCountries []string `yaml:"high_risk_countries"`
	// PrivateNetworks are CIDR ranges treated as internal traffic.
	PrivateNetworks []string `yaml:"private_networks"`
}

// DefaultConfig returns the built-in weight table and risk sets.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]int{
			"failed_login":              2,
			"auth_failure":              2,
			"login_from_new_location":   3,
			"off_hours_access":          1,
			"privileged_access_granted": 4,
			"multiple_failed_attempts":  5,
			"account_locked":            3,
			"password_reset":            1,
			"suspicious_activity":       8,
		},
		HighRiskCountries: []string{"CN", "RU", "IR", "KP"},
		PrivateNetworks:   []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	}
}

// Scorer computes risk scores and severity tiers. It is safe for concurrent
// use; Apply swaps the configuration atomically under the lock.
type Scorer struct {
	mu        sync.RWMutex
	weights   map[string]int
	countries map[string]struct{}
	networks  []netip.Prefix
}

// NewScorer builds a scorer from cfg. Invalid CIDR entries are an error.
func NewScorer(cfg Config) (*Scorer, error) {
	s := &Scorer{}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply replaces the scorer's configuration. Empty fields keep defaults.
func (s *Scorer) Apply(cfg Config) error {
	def := DefaultConfig()
	if len(cfg.Weights) == 0 {
		cfg.Weights = def.Weights
	}
	if len(cfg.HighRiskCountries) == 0 {
		cfg.HighRiskCountries = def.HighRiskCountries
	}
	if len(cfg.PrivateNetworks) == 0 {
		cfg.PrivateNetworks = def.PrivateNetworks
	}

	networks := make([]netip.Prefix, 0, len(cfg.PrivateNetworks))
	for _, cidr := range cfg.PrivateNetworks {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("invalid private network %q: %w", cidr, err)
		}
		networks = append(networks, prefix)
	}

	countries := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		countries[strings.ToUpper(c)] = struct{}{}
	}

	weights := make(map[string]int, len(cfg.Weights))
	for k, w := range cfg.Weights {
		weights[k] = w
	}

	s.mu.Lock()
	s.weights = weights
	s.countries = countries
	s.networks = networks
	s.mu.Unlock()
	return nil
}

// Score computes the risk score and severity tier for an event. It is total
// for well-formed events and never fails.
func (s *Scorer) Score(ev *model.SecurityEvent) (int, model.Severity) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base, ok := s.weights[kindSuffix(ev.Kind)]
	if !ok {
		base = 1
	}

	multiplier := 1.0
	if ev.Outcome == model.OutcomeFailure {
		multiplier += 0.5
	}
	if s.isPrivate(ev.SourceIP) {
		multiplier -= 0.2
		if multiplier < 0.1 {
			multiplier = 0.1
		}
	}
	if _, risky := s.countries[strings.ToUpper(ev.Location.Country)]; risky {
		multiplier += 1.0
	}

	score := int(math.Floor(float64(base) * multiplier))
	if score < 0 {
		score = 0
	}
	return score, SeverityFor(score)
}

// SeverityFor maps a risk score to its severity tier.
func SeverityFor(score int) model.Severity {
	switch {
	case score >= criticalScore:
		return model.SeverityCritical
	case score >= highScore:
		return model.SeverityHigh
	case score >= mediumScore:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (s *Scorer) isPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range s.networks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// kindSuffix returns the segment after the last '.' of a dotted event kind.
func kindSuffix(kind string) string {
	if i := strings.LastIndex(kind, "."); i >= 0 {
		return kind[i+1:]
	}
	return kind
}
