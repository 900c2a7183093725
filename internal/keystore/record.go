package keystore

import (
	"net"
	"strings"
	"time"

	"github.com/mcpgate/backend/internal/quota"
)

// AutoTopupConfig schedules automatic credit refills when a deduction
// leaves the balance under Threshold. MaxDaily caps the refill total per
// UTC day (0 means uncapped).
type AutoTopupConfig struct {
	Threshold int64 `json:"threshold" yaml:"threshold"`
	Amount    int64 `json:"amount" yaml:"amount"`
	MaxDaily  int64 `json:"max_daily" yaml:"max_daily"`
}

// KeyRecord is the account state for one API key. The Key field is both the
// identifier and the credential; Alias is a human-friendly handle accepted
// only on admin paths.
type KeyRecord struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`

	Credits      int64 `json:"credits"`
	TotalSpent   int64 `json:"total_spent"`
	TotalCalls   int64 `json:"total_calls"`
	AllowedCalls int64 `json:"allowed_calls"`
	DeniedCalls  int64 `json:"denied_calls"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	Active    bool `json:"active"`
	Suspended bool `json:"suspended"`

	// SpendingLimit caps lifetime TotalSpent. 0 means unlimited.
	SpendingLimit int64 `json:"spending_limit,omitempty"`

	// AllowedTools is a whitelist when non-empty; DeniedTools always denies.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`

	// IPAllowlist holds addresses or CIDR ranges; when non-empty the client
	// IP must match one of them.
	IPAllowlist []string `json:"ip_allowlist,omitempty"`

	// Country sets are ISO-3166-1 alpha-2, matched against a trusted header.
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	DeniedCountries  []string `json:"denied_countries,omitempty"`

	// Quota overrides the global daily/monthly limits for this key.
	Quota *quota.Limits `json:"quota,omitempty"`

	// RateLimitPerMinute overrides the global sliding-window ceiling.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`

	AutoTopup *AutoTopupConfig `json:"auto_topup,omitempty"`

	Namespace string   `json:"namespace,omitempty"`
	Group     string   `json:"group,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Expired reports whether the key is past its expiry.
func (r *KeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Usable reports whether the key may spend credits.
func (r *KeyRecord) Usable(now time.Time) bool {
	return r.Active && !r.Suspended && !r.Expired(now)
}

// ToolAllowed applies the key's ACL to a tool name: the blacklist always
// wins, then the whitelist (when non-empty) must contain the name.
func (r *KeyRecord) ToolAllowed(tool string) bool {
	for _, t := range r.DeniedTools {
		if t == tool {
			return false
		}
	}
	if len(r.AllowedTools) == 0 {
		return true
	}
	for _, t := range r.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ToolDenied reports whether the tool is on the explicit blacklist, so the
// gate can distinguish tool_denied from tool_not_allowed.
func (r *KeyRecord) ToolDenied(tool string) bool {
	for _, t := range r.DeniedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// IPAllowed matches the client IP against the allowlist. An empty list
// allows everything; unparseable client IPs are rejected when a list is set.
func (r *KeyRecord) IPAllowed(clientIP string) bool {
	if len(r.IPAllowlist) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return false
	}
	for _, entry := range r.IPAllowlist {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// CountryAllowed applies the country sets to a trusted alpha-2 code. An
// empty code passes unless a whitelist is set.
func (r *KeyRecord) CountryAllowed(code string) (ok bool, denied bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range r.DeniedCountries {
		if strings.EqualFold(c, code) && code != "" {
			return false, true
		}
	}
	if len(r.AllowedCountries) == 0 {
		return true, false
	}
	for _, c := range r.AllowedCountries {
		if strings.EqualFold(c, code) {
			return true, false
		}
	}
	return false, false
}

// clone returns a deep copy so callers never observe concurrent mutation.
func (r *KeyRecord) clone() *KeyRecord {
	cp := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.Quota != nil {
		q := *r.Quota
		cp.Quota = &q
	}
	if r.AutoTopup != nil {
		a := *r.AutoTopup
		cp.AutoTopup = &a
	}
	cp.AllowedTools = append([]string(nil), r.AllowedTools...)
	cp.DeniedTools = append([]string(nil), r.DeniedTools...)
	cp.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	cp.AllowedCountries = append([]string(nil), r.AllowedCountries...)
	cp.DeniedCountries = append([]string(nil), r.DeniedCountries...)
	cp.Tags = append([]string(nil), r.Tags...)
	return &cp
}
