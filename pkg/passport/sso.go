package passport

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SSO claim resolution: federated OIDC/SAML claims become a subject record
// bound to a verified institution.

// institutionClaims pulls the federation hints out of a provider claim set.
// OIDC uses "hd" (hosted domain); SAML/eduGAIN uses schacHomeOrganization
// and eduPersonAffiliation.
type institutionClaims struct {
	InstitutionHint string
	Affiliation     string
}

func extractInstitutionClaims(claims map[string]any) institutionClaims {
	var ic institutionClaims
	if hd, ok := claims["hd"].(string); ok && hd != "" {
		ic.InstitutionHint = hd
	}
	if org, ok := claims["schacHomeOrganization"].(string); ok && org != "" {
		ic.InstitutionHint = org
	}
	switch aff := claims["eduPersonAffiliation"].(type) {
	case string:
		ic.Affiliation = aff
	case []any:
		if len(aff) > 0 {
			if s, ok := aff[0].(string); ok {
				ic.Affiliation = s
			}
		}
	case []string:
		if len(aff) > 0 {
			ic.Affiliation = aff[0]
		}
	}
	return ic
}

// affiliationSubjectType maps a primary eduPerson affiliation onto the
// allow-listed subject types.
func affiliationSubjectType(affiliation string) SubjectType {
	switch strings.ToLower(strings.TrimSpace(affiliation)) {
	case "student":
		return SubjectStudent
	case "faculty", "staff", "employee":
		return SubjectFaculty
	default:
		return SubjectResearcher
	}
}

// emailMatchesDomains checks exact or suffix domain membership. A listed
// domain "uni.edu" admits "uni.edu" itself and any subdomain of it.
func emailMatchesDomains(email string, domains []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	emailDomain := strings.ToLower(email[at+1:])
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if emailDomain == d || strings.HasSuffix(emailDomain, "."+d) {
			return true
		}
	}
	return false
}

// Initial trust for a freshly SSO-resolved institutional subject.
const ssoInitialTrust = 60

// ResolveSSOClaims validates federated claims against a target institution
// and produces the subject record to create. The email domain must match
// the institution's allow list; anything else is rejected.
func ResolveSSOClaims(claims map[string]any, inst *Institution, now time.Time) (*Subject, error) {
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, newFault(FaultTokenInvalid, "sso claims missing email")
	}
	if !emailMatchesDomains(email, inst.AllowedDomains) {
		return nil, newFault(FaultUnauthenticated,
			"email domain not allowed for institution %s", inst.InstitutionID)
	}

	ic := extractInstitutionClaims(claims)
	name, _ := claims["name"].(string)

	return &Subject{
		SubjectID:        fmt.Sprintf("sub-%s", uuid.New().String()),
		SubjectType:      affiliationSubjectType(ic.Affiliation),
		Clearance:        ClearanceInstitutional,
		Email:            email,
		DisplayName:      name,
		InstitutionID:    inst.InstitutionID,
		TrustScore:       ssoInitialTrust,
		IsActive:         true,
		IdentityVerified: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
