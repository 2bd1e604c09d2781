// Package validate enforces the tag-set validity rules a measurement
// must satisfy before publication, and the character-sanitization
// applied to every key/value at serialization time.
package validate

import (
	"fmt"
	"strings"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

const (
	maxKeyLength  = 60
	maxValLength  = 120
	maxUserTags   = 20
	maxNameLength = 255
)

var validNfTags = map[string]bool{
	"nf.node": true, "nf.cluster": true, "nf.app": true, "nf.asg": true,
	"nf.stack": true, "nf.ami": true, "nf.vmtype": true, "nf.zone": true,
	"nf.region": true, "nf.account": true, "nf.country": true, "nf.task": true,
	"nf.country.rollup": true,
}

func isKeyRestricted(k string) bool {
	return strings.HasPrefix(k, "nf.") || strings.HasPrefix(k, "atlas.")
}

func isUserKeyInvalid(k string) bool {
	if strings.HasPrefix(k, "atlas.") {
		return k != "atlas.dstype" && k != "atlas.legacy"
	}
	if strings.HasPrefix(k, "nf.") {
		return !validNfTags[k]
	}
	return false
}

// IsValid reports whether t satisfies the tag-set rules, logging the
// reason (at warn level) whenever it does not.
func IsValid(t *tags.Map) (bool, string) {
	userTags := 0
	nameSeen := false

	invalid := func(reason string) (bool, string) {
		log.Warnf("invalid metric tags - %s", reason)
		return false, reason
	}

	var errResult string
	valid := true
	t.Each(func(keyH, valH *intern.Handle) {
		if !valid {
			return
		}
		k, v := keyH.String(), valH.String()
		if k == "" || v == "" {
			valid, errResult = false, "tag keys or values cannot be empty"
			return
		}
		if k == tags.NameKey {
			nameSeen = true
			userTags++
			if len(v) > maxNameLength {
				valid, errResult = false, fmt.Sprintf("value for name exceeds length limit (%d > %d)", len(v), maxNameLength)
			}
			return
		}
		if len(k) > maxKeyLength || len(v) > maxValLength {
			valid, errResult = false, fmt.Sprintf("tag %s=%s exceeds length limits", k, v)
			return
		}
		if !isKeyRestricted(k) {
			userTags++
		}
		if isUserKeyInvalid(k) {
			valid, errResult = false, fmt.Sprintf("%s is using a reserved namespace", k)
		}
	})
	if !valid {
		return invalid(errResult)
	}

	if userTags > maxUserTags {
		return invalid(fmt.Sprintf("too many user tags: limit is %d, got %d", maxUserTags, userTags))
	}
	if !nameSeen {
		return invalid("name is a required tag")
	}
	return true, ""
}

func isValidChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '.' || c == '_' || c == '-'
}

// SanitizeKey replaces every character outside [A-Za-z0-9._-] with '_'.
func SanitizeKey(key string) string { return sanitize(key, false) }

// SanitizeValue is the value analogue of SanitizeKey; for keys nf.asg and
// nf.cluster, '^' and '~' are additionally allowed through unescaped, to
// support ASG sequence numbers and cluster-name revision decorations.
func SanitizeValue(value, key string) string {
	relaxed := key == "nf.asg" || key == "nf.cluster"
	return sanitize(value, relaxed)
}

func sanitize(s string, relaxed bool) string {
	var b strings.Builder
	changed := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isValidChar(c) || (relaxed && (c == '^' || c == '~')) {
			b.WriteByte(c)
			continue
		}
		changed = true
		b.WriteByte('_')
	}
	if !changed {
		return s
	}
	return b.String()
}
