package payout

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"chainpay/models"
)

var (
	// ErrPayoutsPaused indicates an operator pause is in effect.
	ErrPayoutsPaused = errors.New("payout: payouts paused")
	// ErrPolicyCap indicates the request exceeds a policy cap.
	ErrPolicyCap = errors.New("payout: policy cap exceeded")
)

type policyFile struct {
	Payouts struct {
		Paused            bool              `yaml:"paused"`
		MaxPerTransaction string            `yaml:"maxPerTransaction"`
		DailyCap          string            `yaml:"dailyCap"`
		RiskCaps          map[string]string `yaml:"riskCaps"`
	} `yaml:"payouts"`
}

// Policy carries operator-managed payout caps, loaded from YAML at start and
// adjustable at runtime through the admin surface.
type Policy struct {
	mu       sync.RWMutex
	paused   bool
	maxPerTx decimal.Decimal
	dailyCap decimal.Decimal
	riskCaps map[models.RiskLevel]decimal.Decimal
}

// DefaultPolicy allows everything.
func DefaultPolicy() *Policy {
	return &Policy{riskCaps: map[models.RiskLevel]decimal.Decimal{}}
}

// LoadPolicy reads the payout policy file. A missing path or absent file
// yields the default allow-all policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("payout: read policy: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("payout: parse policy: %w", err)
	}

	p := DefaultPolicy()
	p.paused = file.Payouts.Paused
	if p.maxPerTx, err = parseCap(file.Payouts.MaxPerTransaction); err != nil {
		return nil, err
	}
	if p.dailyCap, err = parseCap(file.Payouts.DailyCap); err != nil {
		return nil, err
	}
	for risk, cap := range file.Payouts.RiskCaps {
		value, err := parseCap(cap)
		if err != nil {
			return nil, err
		}
		p.riskCaps[models.RiskLevel(risk)] = value
	}
	return p, nil
}

func parseCap(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payout: invalid cap %q: %w", raw, err)
	}
	return value, nil
}

// Pause halts payout acceptance and execution.
func (p *Policy) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lifts an operator pause.
func (p *Policy) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Paused reports whether an operator pause is in effect.
func (p *Policy) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Check validates one payout against the policy. dailyVolume is the
// merchant's already-recorded volume for the current day. Zero caps mean
// unlimited, except a zero risk cap which blocks the tier outright.
func (p *Policy) Check(risk models.RiskLevel, amount, dailyVolume decimal.Decimal) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.paused {
		return ErrPayoutsPaused
	}
	if p.maxPerTx.IsPositive() && amount.Cmp(p.maxPerTx) > 0 {
		return fmt.Errorf("%w: amount %s over per-transaction cap %s", ErrPolicyCap, amount, p.maxPerTx)
	}
	if p.dailyCap.IsPositive() && dailyVolume.Add(amount).Cmp(p.dailyCap) > 0 {
		return fmt.Errorf("%w: daily cap %s reached", ErrPolicyCap, p.dailyCap)
	}
	if cap, ok := p.riskCaps[risk]; ok {
		if !cap.IsPositive() {
			return fmt.Errorf("%w: payouts blocked for %s risk tier", ErrPolicyCap, risk)
		}
		if amount.Cmp(cap) > 0 {
			return fmt.Errorf("%w: amount %s over %s risk cap %s", ErrPolicyCap, amount, risk, cap)
		}
	}
	return nil
}
