// Package passport implements Dextera: subject identity, trust scoring,
// and short-lived signed passports with revocation and ban handling.
package passport

import (
	"fmt"
	"time"
)

// SubjectType classifies the actor behind a passport.
type SubjectType string

const (
	SubjectStudent    SubjectType = "STUDENT"
	SubjectFaculty    SubjectType = "FACULTY"
	SubjectResearcher SubjectType = "RESEARCHER"
	SubjectBusiness   SubjectType = "BUSINESS"
	SubjectAgent      SubjectType = "AGENT"
	SubjectService    SubjectType = "SERVICE"
)

// ClearanceLevel is an ordered verification tier.
type ClearanceLevel string

const (
	ClearanceUnverified    ClearanceLevel = "UNVERIFIED"
	ClearanceEmailOnly     ClearanceLevel = "EMAIL_ONLY"
	ClearanceInstitutional ClearanceLevel = "INSTITUTIONAL"
	ClearanceEnterprise    ClearanceLevel = "ENTERPRISE"
	ClearanceAdmin         ClearanceLevel = "ADMIN"
)

var clearanceRank = map[ClearanceLevel]int{
	ClearanceUnverified:    0,
	ClearanceEmailOnly:     1,
	ClearanceInstitutional: 2,
	ClearanceEnterprise:    3,
	ClearanceAdmin:         4,
}

// Rank returns the ordinal of the clearance tier; unknown tiers rank below
// UNVERIFIED.
func (c ClearanceLevel) Rank() int {
	if r, ok := clearanceRank[c]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether c meets or exceeds min.
func (c ClearanceLevel) AtLeast(min ClearanceLevel) bool {
	return c.Rank() >= min.Rank()
}

// IdentityProvider is how the subject authenticated.
type IdentityProvider string

const (
	ProviderEmailMagic IdentityProvider = "EMAIL_MAGIC"
	ProviderOIDCEdu    IdentityProvider = "OIDC_EDU"
	ProviderSAMLEdu    IdentityProvider = "SAML_EDU"
	ProviderPasskey    IdentityProvider = "PASSKEY"
	ProviderKYB        IdentityProvider = "KYB"
	ProviderAPIKey     IdentityProvider = "API_KEY"
)

var knownProviders = map[IdentityProvider]struct{}{
	ProviderEmailMagic: {}, ProviderOIDCEdu: {}, ProviderSAMLEdu: {},
	ProviderPasskey: {}, ProviderKYB: {}, ProviderAPIKey: {},
}

// Subject is a stable actor identity.
type Subject struct {
	SubjectID     string         `json:"subject_id"`
	SubjectType   SubjectType    `json:"subject_type"`
	Clearance     ClearanceLevel `json:"clearance_level"`
	Email         string         `json:"email"`
	DisplayName   string         `json:"display_name,omitempty"`
	InstitutionID string         `json:"institution_id,omitempty"`
	OrgID         string         `json:"org_id,omitempty"`
	TrustScore    int            `json:"trust_score"`
	IsActive      bool           `json:"is_active"`
	IsBanned      bool           `json:"is_banned"`

	// Behavioral signals feeding the trust score.
	IdentityVerified  bool    `json:"identity_verified"`
	MFAEnabled        bool    `json:"mfa_enabled"`
	DeviceBound       bool    `json:"device_bound"`
	FraudFlagged      bool    `json:"fraud_flagged"`
	AbuseFlagged      bool    `json:"abuse_flagged"`
	LoginConsistency  float64 `json:"login_consistency"`
	JobCompletionRate float64 `json:"job_completion_rate"`
	PaymentHealth     float64 `json:"payment_health"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Institution is an SSO-federated organization.
type Institution struct {
	InstitutionID  string   `json:"institution_id"`
	Name           string   `json:"name"`
	SSOKind        string   `json:"sso_kind"` // "OIDC" or "SAML"
	SSOEndpoint    string   `json:"sso_endpoint,omitempty"`
	AllowedDomains []string `json:"allowed_domains"`
	Approved       bool     `json:"approved"`
	Verified       bool     `json:"verified"`
	AdminContact   string   `json:"admin_contact,omitempty"`
}

// Passport is the short-lived signed identity artifact.
type Passport struct {
	PassportID    string           `json:"passport_id"`
	SubjectID     string           `json:"subject_id"`
	SubjectType   SubjectType      `json:"subject_type"`
	Clearance     ClearanceLevel   `json:"clearance_level"`
	InstitutionID string           `json:"institution_id,omitempty"`
	Affiliation   string           `json:"affiliation,omitempty"`
	TrustScore    int              `json:"trust_score"`
	Provider      IdentityProvider `json:"identity_provider"`
	MFAVerified   bool             `json:"mfa_verified"`
	DeviceBound   bool             `json:"device_bound"`
	IssuedAt      time.Time        `json:"issued_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Token         string           `json:"token"`
}

// IssueRequest asks for a new passport.
type IssueRequest struct {
	SubjectID   string           `json:"subject_id"`
	Provider    IdentityProvider `json:"identity_provider"`
	Claims      map[string]any   `json:"provider_claims,omitempty"`
	DeviceID    string           `json:"device_id,omitempty"`
	MFAVerified bool             `json:"mfa_verified,omitempty"`
}

// VerifyResult is the outcome of token verification. Verification never
// panics or returns transport errors for bad tokens; Fault carries the
// typed reason when Valid is false.
type VerifyResult struct {
	Valid    bool      `json:"valid"`
	Passport *Passport `json:"passport,omitempty"`
	Fault    *Fault    `json:"fault,omitempty"`
}

// FaultCode enumerates identity failures.
type FaultCode string

const (
	FaultUnauthenticated FaultCode = "UNAUTHENTICATED"
	FaultBanned          FaultCode = "BANNED"
	FaultNotFound        FaultCode = "NOT_FOUND"
	FaultInvalidProvider FaultCode = "INVALID_PROVIDER"
	FaultTokenExpired    FaultCode = "TOKEN_EXPIRED"
	FaultTokenInvalid    FaultCode = "TOKEN_INVALID"
	FaultTokenRevoked    FaultCode = "TOKEN_REVOKED"
)

// Fault is a typed identity failure.
type Fault struct {
	Code    FaultCode `json:"code"`
	Message string    `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("identity fault %s: %s", f.Code, f.Message)
}

func newFault(code FaultCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err is a Fault with the given code.
func IsFault(err error, code FaultCode) bool {
	f, ok := err.(*Fault)
	return ok && f.Code == code
}
