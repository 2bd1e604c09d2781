package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
)

func TestIsValidRequiresName(t *testing.T) {
	m, err := tags.New(intern.NewPool(), "nf.node", "i-1")
	require.NoError(t, err)
	ok, reason := IsValid(m)
	assert.False(t, ok)
	assert.Contains(t, reason, "name is a required tag")
}

func TestIsValidAcceptsWellFormedTagSet(t *testing.T) {
	m, err := tags.New(intern.NewPool(), "name", "sys.cpu", "nf.node", "i-1", "id", "user")
	require.NoError(t, err)
	ok, _ := IsValid(m)
	assert.True(t, ok)
}

func TestIsValidRejectsReservedNamespace(t *testing.T) {
	m, err := tags.New(intern.NewPool(), "name", "sys.cpu", "nf.bogus", "x")
	require.NoError(t, err)
	ok, reason := IsValid(m)
	assert.False(t, ok)
	assert.Contains(t, reason, "reserved namespace")
}

func TestIsValidAllowsAtlasDstypeAndLegacy(t *testing.T) {
	m, err := tags.New(intern.NewPool(), "name", "sys.cpu", "atlas.dstype", "gauge")
	require.NoError(t, err)
	ok, _ := IsValid(m)
	assert.True(t, ok)
}

func TestIsValidRejectsTooManyUserTags(t *testing.T) {
	kv := []string{"name", "sys.cpu"}
	for i := 0; i < 25; i++ {
		kv = append(kv, string(rune('a'+i)), "v")
	}
	m, err := tags.New(intern.NewPool(), kv...)
	require.NoError(t, err)
	ok, reason := IsValid(m)
	assert.False(t, ok)
	assert.Contains(t, reason, "too many user tags")
}

func TestIsValidRejectsOverlongValue(t *testing.T) {
	m, err := tags.New(intern.NewPool(), "name", strings.Repeat("a", 300))
	require.NoError(t, err)
	ok, reason := IsValid(m)
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds length limit")
}

func TestSanitizeKeyReplacesInvalidChars(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeKey("a b!c"))
	assert.Equal(t, "already.valid-name_1", SanitizeKey("already.valid-name_1"))
}

func TestSanitizeValueRelaxedForAsgAndCluster(t *testing.T) {
	assert.Equal(t, "app-v001^0", SanitizeValue("app-v001^0", "nf.asg"))
	assert.Equal(t, "app~2", SanitizeValue("app~2", "nf.cluster"))
	assert.Equal(t, "app_0", SanitizeValue("app^0", "nf.node"))
}
