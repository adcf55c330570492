package passport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// LedgerSink is the narrow write interface into the audit chain. The
// ledger owns severities and hashing; Dextera only names the event.
type LedgerSink interface {
	CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error
}

// Config tunes passport issuance.
type Config struct {
	Issuer           string
	Audience         string
	PassportTTL      time.Duration // default 1h, clamped to [1h, 8h]
	RefreshTTL       time.Duration // default 24h
	RevocationMargin time.Duration // extra tombstone lifetime past expiry
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:           "custodes/dextera",
		Audience:         "custodes",
		PassportTTL:      time.Hour,
		RefreshTTL:       24 * time.Hour,
		RevocationMargin: 5 * time.Minute,
	}
}

const (
	minPassportTTL = time.Hour
	maxPassportTTL = 8 * time.Hour
)

// passportClaims is the compact wire form of a passport.
type passportClaims struct {
	jwt.RegisteredClaims
	Clearance     ClearanceLevel   `json:"clr"`
	TrustScore    int              `json:"trs"`
	SubjectType   SubjectType      `json:"styp"`
	Provider      IdentityProvider `json:"idp"`
	InstitutionID string           `json:"inst,omitempty"`
	Affiliation   string           `json:"aff,omitempty"`
	MFAVerified   bool             `json:"mfa,omitempty"`
	DeviceBound   bool             `json:"dev,omitempty"`
}

// Service is the Dextera pillar.
type Service struct {
	store       SubjectStore
	revocations RevocationStore
	keys        KeySet
	ledger      LedgerSink
	cfg         Config
	logger      *slog.Logger
	clock       func() time.Time
}

// New wires a passport service. ledger may be nil in tests; issuance then
// skips audit emission.
func New(store SubjectStore, revocations RevocationStore, keys KeySet, ledger LedgerSink, cfg Config, logger *slog.Logger) *Service {
	if cfg.Issuer == "" {
		cfg.Issuer = "custodes/dextera"
	}
	if cfg.Audience == "" {
		cfg.Audience = "custodes"
	}
	if cfg.PassportTTL < minPassportTTL {
		cfg.PassportTTL = minPassportTTL
	}
	if cfg.PassportTTL > maxPassportTTL {
		cfg.PassportTTL = maxPassportTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		revocations: revocations,
		keys:        keys,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// clearanceForProvider resolves the ceiling a provider can attest to.
func clearanceForProvider(p IdentityProvider) ClearanceLevel {
	switch p {
	case ProviderKYB:
		return ClearanceEnterprise
	case ProviderOIDCEdu, ProviderSAMLEdu:
		return ClearanceInstitutional
	case ProviderAPIKey:
		return ClearanceAdmin
	default:
		return ClearanceEmailOnly
	}
}

// Issue mints a signed passport for an existing, unbanned subject,
// recomputing the trust score from current signals.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Passport, error) {
	if _, ok := knownProviders[req.Provider]; !ok {
		return nil, newFault(FaultInvalidProvider, "unknown identity provider %q", req.Provider)
	}
	sub, err := s.store.GetSubject(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if sub.IsBanned {
		return nil, newFault(FaultBanned, "subject %s is banned", req.SubjectID)
	}

	clearance := clearanceForProvider(req.Provider)
	if sub.Clearance.AtLeast(clearance) {
		// Clearance is monotonic; a weaker provider never downgrades it.
		clearance = sub.Clearance
	}

	ic := extractInstitutionClaims(req.Claims)
	institutionID := sub.InstitutionID
	if institutionID == "" && ic.InstitutionHint != "" {
		institutionID = ic.InstitutionHint
	}

	institutionVerified := false
	if institutionID != "" {
		if inst, err := s.store.GetInstitution(ctx, institutionID); err == nil {
			institutionVerified = inst.Verified && inst.Approved
		}
	}

	now := s.clock()
	score := ComputeTrustScore(TrustSignals{
		IdentityVerified:    sub.IdentityVerified,
		MFAEnabled:          sub.MFAEnabled || req.MFAVerified,
		DeviceBound:         sub.DeviceBound || req.DeviceID != "",
		InstitutionVerified: institutionVerified,
		AccountAgeDays:      now.Sub(sub.CreatedAt).Hours() / 24,
		LoginConsistency:    sub.LoginConsistency,
		FraudFlagged:        sub.FraudFlagged,
		AbuseFlagged:        sub.AbuseFlagged,
		JobCompletionRate:   sub.JobCompletionRate,
		PaymentHealth:       sub.PaymentHealth,
	}, now)

	sub.TrustScore = score.Score
	sub.Clearance = clearance
	sub.UpdatedAt = now
	if err := s.store.SaveSubject(ctx, *sub); err != nil {
		return nil, fmt.Errorf("passport: update subject: %w", err)
	}

	expires := now.Add(s.cfg.PassportTTL)
	p := &Passport{
		PassportID:    uuid.New().String(),
		SubjectID:     sub.SubjectID,
		SubjectType:   sub.SubjectType,
		Clearance:     clearance,
		InstitutionID: institutionID,
		Affiliation:   ic.Affiliation,
		TrustScore:    score.Score,
		Provider:      req.Provider,
		MFAVerified:   req.MFAVerified,
		DeviceBound:   req.DeviceID != "",
		IssuedAt:      now,
		ExpiresAt:     expires,
	}

	token, err := s.keys.Sign(passportClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.PassportID,
			Subject:   p.SubjectID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Clearance:     p.Clearance,
		TrustScore:    p.TrustScore,
		SubjectType:   p.SubjectType,
		Provider:      p.Provider,
		InstitutionID: p.InstitutionID,
		Affiliation:   p.Affiliation,
		MFAVerified:   p.MFAVerified,
		DeviceBound:   p.DeviceBound,
	})
	if err != nil {
		return nil, fmt.Errorf("passport: sign token: %w", err)
	}
	p.Token = token

	if err := s.store.RecordPassport(ctx, sub.SubjectID, p.PassportID, expires); err != nil {
		return nil, fmt.Errorf("passport: record passport: %w", err)
	}

	s.emit(ctx, "PASSPORT_ISSUED", sub.SubjectID, map[string]any{
		"passport_id":    p.PassportID,
		"provider":       string(req.Provider),
		"clearance":      string(clearance),
		"trust_score":    score.Score,
		"institution_id": institutionID,
		"expires_at":     expires.Format(time.RFC3339),
	})
	return p, nil
}

// Verify validates a compact token against signature, issuer, audience,
// expiry, the revocation list, and the subject's ban flag. Bad tokens
// come back as a typed invalid result, never a transport error.
func (s *Service) Verify(ctx context.Context, token, audience string) (VerifyResult, error) {
	if audience == "" {
		audience = s.cfg.Audience
	}
	var claims passportClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, s.keys.KeyFunc(),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil || !parsed.Valid {
		code := FaultTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = FaultTokenExpired
		}
		return VerifyResult{Valid: false, Fault: newFault(code, "token rejected: %v", err)}, nil
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("passport: revocation check: %w", err)
	}
	if revoked {
		return VerifyResult{Valid: false, Fault: newFault(FaultTokenRevoked, "passport %s revoked", claims.ID)}, nil
	}

	sub, err := s.store.GetSubject(ctx, claims.Subject)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) && f.Code == FaultNotFound {
			return VerifyResult{Valid: false, Fault: f}, nil
		}
		return VerifyResult{}, err
	}
	if sub.IsBanned {
		return VerifyResult{Valid: false, Fault: newFault(FaultBanned, "subject %s is banned", sub.SubjectID)}, nil
	}

	return VerifyResult{
		Valid: true,
		Passport: &Passport{
			PassportID:    claims.ID,
			SubjectID:     claims.Subject,
			SubjectType:   claims.SubjectType,
			Clearance:     claims.Clearance,
			InstitutionID: claims.InstitutionID,
			Affiliation:   claims.Affiliation,
			TrustScore:    claims.TrustScore,
			Provider:      claims.Provider,
			MFAVerified:   claims.MFAVerified,
			DeviceBound:   claims.DeviceBound,
			IssuedAt:      claims.IssuedAt.Time,
			ExpiresAt:     claims.ExpiresAt.Time,
			Token:         token,
		},
	}, nil
}

// Revoke tombstones a passport until well past its natural expiry.
func (s *Service) Revoke(ctx context.Context, passportID, reason, by string) error {
	ttl := s.cfg.PassportTTL + s.cfg.RevocationMargin
	if err := s.revocations.Revoke(ctx, passportID, reason, by, ttl); err != nil {
		return err
	}
	s.emit(ctx, "PASSPORT_REVOKED", by, map[string]any{
		"passport_id": passportID,
		"reason":      reason,
	})
	return nil
}

// Ban revokes every active passport for the subject and flags the record.
// A second ban of the same subject is a no-op at the store.
func (s *Service) Ban(ctx context.Context, subjectID, reason, by string, notifyInstitution bool) error {
	sub, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	if sub.IsBanned {
		return nil
	}

	active, err := s.store.ActivePassports(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("passport: list active passports: %w", err)
	}
	ttl := s.cfg.PassportTTL + s.cfg.RevocationMargin
	for _, pid := range active {
		if err := s.revocations.Revoke(ctx, pid, "subject banned: "+reason, by, ttl); err != nil {
			return err
		}
		_ = s.store.RemovePassport(ctx, subjectID, pid)
	}

	sub.IsBanned = true
	sub.IsActive = false
	sub.UpdatedAt = s.clock()
	if err := s.store.SaveSubject(ctx, *sub); err != nil {
		return fmt.Errorf("passport: persist ban: %w", err)
	}

	s.emit(ctx, "SUBJECT_BANNED", subjectID, map[string]any{
		"reason":             reason,
		"banned_by":          by,
		"passports_revoked":  len(active),
		"notify_institution": notifyInstitution,
		"institution_id":     sub.InstitutionID,
	})
	s.logger.Warn("subject banned", "subject", subjectID, "by", by, "passports_revoked", len(active))
	return nil
}

// TrustScore recomputes the score for a subject from stored signals.
func (s *Service) TrustScore(ctx context.Context, subjectID string) (TrustScoreResult, error) {
	sub, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return TrustScoreResult{}, err
	}
	institutionVerified := false
	if sub.InstitutionID != "" {
		if inst, err := s.store.GetInstitution(ctx, sub.InstitutionID); err == nil {
			institutionVerified = inst.Verified && inst.Approved
		}
	}
	now := s.clock()
	return ComputeTrustScore(TrustSignals{
		IdentityVerified:    sub.IdentityVerified,
		MFAEnabled:          sub.MFAEnabled,
		DeviceBound:         sub.DeviceBound,
		InstitutionVerified: institutionVerified,
		AccountAgeDays:      now.Sub(sub.CreatedAt).Hours() / 24,
		LoginConsistency:    sub.LoginConsistency,
		FraudFlagged:        sub.FraudFlagged,
		AbuseFlagged:        sub.AbuseFlagged,
		JobCompletionRate:   sub.JobCompletionRate,
		PaymentHealth:       sub.PaymentHealth,
	}, now), nil
}

// ResolveSSOSubject runs SSO claim resolution against a stored institution
// and creates the resulting subject.
func (s *Service) ResolveSSOSubject(ctx context.Context, claims map[string]any, institutionID string) (*Subject, error) {
	inst, err := s.store.GetInstitution(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	sub, err := ResolveSSOClaims(claims, inst, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveSubject(ctx, *sub); err != nil {
		return nil, fmt.Errorf("passport: create subject: %w", err)
	}
	s.emit(ctx, "SUBJECT_CREATED", sub.SubjectID, map[string]any{
		"institution_id": sub.InstitutionID,
		"subject_type":   string(sub.SubjectType),
		"clearance":      string(sub.Clearance),
	})
	return sub, nil
}

// IssueRefreshToken mints an opaque refresh token. Only its SHA-256 index
// is stored, so a leaked store never yields usable tokens.
func (s *Service) IssueRefreshToken(ctx context.Context, subjectID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("passport: generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expires := s.clock().Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshToken(ctx, HashRefreshToken(token), subjectID, expires); err != nil {
		return "", fmt.Errorf("passport: save refresh token: %w", err)
	}
	return token, nil
}

// Refresh exchanges a valid refresh token for a new passport. The used
// token is consumed.
func (s *Service) Refresh(ctx context.Context, refreshToken string, provider IdentityProvider) (*Passport, error) {
	hash := HashRefreshToken(refreshToken)
	subjectID, err := s.store.LookupRefreshToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("passport: consume refresh token: %w", err)
	}
	return s.Issue(ctx, IssueRequest{SubjectID: subjectID, Provider: provider})
}

func (s *Service) emit(ctx context.Context, eventType, subjectID string, fields map[string]any) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.CommitEvent(ctx, eventType, subjectID, fields); err != nil {
		s.logger.Error("ledger emit failed", "event", eventType, "subject", subjectID, "err", err)
	}
}
