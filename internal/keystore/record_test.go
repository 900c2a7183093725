package keystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToolACL(t *testing.T) {
	open := &KeyRecord{}
	assert.True(t, open.ToolAllowed("fs:read_file"))

	whitelisted := &KeyRecord{AllowedTools: []string{"fs:read_file", "db:query"}}
	assert.True(t, whitelisted.ToolAllowed("fs:read_file"))
	assert.False(t, whitelisted.ToolAllowed("fs:delete"))

	// The blacklist wins even over the whitelist.
	mixed := &KeyRecord{
		AllowedTools: []string{"fs:read_file"},
		DeniedTools:  []string{"fs:read_file"},
	}
	assert.False(t, mixed.ToolAllowed("fs:read_file"))
	assert.True(t, mixed.ToolDenied("fs:read_file"))
	assert.False(t, mixed.ToolDenied("db:query"))
}

func TestIPAllowlist(t *testing.T) {
	open := &KeyRecord{}
	assert.True(t, open.IPAllowed("203.0.113.9"))

	rec := &KeyRecord{IPAllowlist: []string{"10.1.2.3", "192.168.0.0/16"}}
	assert.True(t, rec.IPAllowed("10.1.2.3"))
	assert.True(t, rec.IPAllowed("192.168.44.7"))
	assert.False(t, rec.IPAllowed("203.0.113.9"))
	assert.False(t, rec.IPAllowed("not-an-ip"))
	assert.False(t, rec.IPAllowed(""))
}

func TestCountrySets(t *testing.T) {
	rec := &KeyRecord{DeniedCountries: []string{"KP"}}
	ok, denied := rec.CountryAllowed("kp")
	assert.False(t, ok)
	assert.True(t, denied)

	ok, denied = rec.CountryAllowed("DE")
	assert.True(t, ok)
	assert.False(t, denied)

	// Unknown origin passes a blacklist but not a whitelist.
	ok, _ = rec.CountryAllowed("")
	assert.True(t, ok)

	whitelist := &KeyRecord{AllowedCountries: []string{"US", "DE"}}
	ok, denied = whitelist.CountryAllowed("de")
	assert.True(t, ok)
	assert.False(t, denied)
	ok, denied = whitelist.CountryAllowed("FR")
	assert.False(t, ok)
	assert.False(t, denied)
	ok, _ = whitelist.CountryAllowed("")
	assert.False(t, ok)
}

func TestUsableLifecycle(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, (&KeyRecord{Active: true}).Usable(now))
	assert.False(t, (&KeyRecord{Active: false}).Usable(now))
	assert.False(t, (&KeyRecord{Active: true, Suspended: true}).Usable(now))
	assert.True(t, (&KeyRecord{Active: true, ExpiresAt: &future}).Usable(now))
	assert.False(t, (&KeyRecord{Active: true, ExpiresAt: &past}).Usable(now))
}

func TestCloneIsDeep(t *testing.T) {
	rec := &KeyRecord{Key: "mk_x", AllowedTools: []string{"a"}}
	cp := rec.clone()
	cp.AllowedTools[0] = "b"
	assert.Equal(t, "a", rec.AllowedTools[0])
}
