package passport

import (
	"math"
	"time"
)

// TrustBand groups trust scores into policy-relevant ranges.
type TrustBand string

const (
	BandRestricted    TrustBand = "RESTRICTED"     // 0-30
	BandStandard      TrustBand = "STANDARD"       // 31-60
	BandTrusted       TrustBand = "TRUSTED"        // 61-80
	BandHighClearance TrustBand = "HIGH_CLEARANCE" // 81-100
)

// Signal weights. They sum to 1.0; binaries score 0 or 100, continuous
// inputs in [0,1] scale to [0,100].
const (
	weightIdentityVerified    = 0.20
	weightMFA                 = 0.10
	weightDeviceBound         = 0.10
	weightInstitutionVerified = 0.20
	weightAccountAge          = 0.10
	weightLoginConsistency    = 0.10
	weightNoFraud             = 0.10
	weightNoAbuse             = 0.05
	weightJobCompletion       = 0.03
	weightPaymentHealth       = 0.02
)

// Hard caps applied after the weighted sum.
const (
	fraudCap         = 30
	noInstitutionCap = 80
)

// TrustSignals are the raw inputs to scoring.
type TrustSignals struct {
	IdentityVerified    bool
	MFAEnabled          bool
	DeviceBound         bool
	InstitutionVerified bool
	AccountAgeDays      float64
	LoginConsistency    float64 // 0-1
	FraudFlagged        bool
	AbuseFlagged        bool
	JobCompletionRate   float64 // 0-1
	PaymentHealth       float64 // 0-1
}

// TrustScoreResult is the computed score with its per-signal breakdown.
type TrustScoreResult struct {
	Score      int                `json:"score"`
	Band       TrustBand          `json:"band"`
	Breakdown  map[string]float64 `json:"breakdown"`
	ComputedAt time.Time          `json:"computed_at"`
}

// ComputeTrustScore produces the 0-100 composite. Fraud caps the score at
// 30 regardless of other signals; accounts without a verified institution
// cap at 80, so HIGH_CLEARANCE always requires an institutional signal.
func ComputeTrustScore(sig TrustSignals, now time.Time) TrustScoreResult {
	binary := func(b bool) float64 {
		if b {
			return 100
		}
		return 0
	}
	unit := func(v float64) float64 {
		return math.Min(math.Max(v, 0), 1) * 100
	}

	ageScore := unit(sig.AccountAgeDays / 365)

	breakdown := map[string]float64{
		"identity_verified":    binary(sig.IdentityVerified) * weightIdentityVerified,
		"mfa":                  binary(sig.MFAEnabled) * weightMFA,
		"device_bound":         binary(sig.DeviceBound) * weightDeviceBound,
		"institution_verified": binary(sig.InstitutionVerified) * weightInstitutionVerified,
		"account_age":          ageScore * weightAccountAge,
		"login_consistency":    unit(sig.LoginConsistency) * weightLoginConsistency,
		"no_fraud_flags":       binary(!sig.FraudFlagged) * weightNoFraud,
		"no_abuse_flags":       binary(!sig.AbuseFlagged) * weightNoAbuse,
		"job_completion_rate":  unit(sig.JobCompletionRate) * weightJobCompletion,
		"payment_health":       unit(sig.PaymentHealth) * weightPaymentHealth,
	}

	total := 0.0
	for _, v := range breakdown {
		total += v
	}

	score := int(math.Round(total))
	if sig.FraudFlagged && score > fraudCap {
		score = fraudCap
	}
	if !sig.InstitutionVerified && !sig.FraudFlagged && score > noInstitutionCap {
		score = noInstitutionCap
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return TrustScoreResult{
		Score:      score,
		Band:       TrustBandFor(score),
		Breakdown:  breakdown,
		ComputedAt: now,
	}
}

// TrustBandFor maps a score to its band.
func TrustBandFor(score int) TrustBand {
	switch {
	case score <= 30:
		return BandRestricted
	case score <= 60:
		return BandStandard
	case score <= 80:
		return BandTrusted
	default:
		return BandHighClearance
	}
}
