package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/maouw/cloudknot/api"
)

// MaxGroupLength bounds group names accepted by ValidateGroup.
const MaxGroupLength = 128

var groupPattern = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z0-9]*$`)

// ValidateGroup checks a group name against the allowed pattern.
func ValidateGroup(group string) error {
	if group == "" {
		return &api.InvalidParameterError{Message: "group name must not be empty"}
	}
	if len(group) > MaxGroupLength {
		return &api.InvalidParameterError{Message: fmt.Sprintf("group name longer than %d characters", MaxGroupLength)}
	}
	if !groupPattern.MatchString(group) {
		return &api.InvalidParameterError{Message: fmt.Sprintf("group name %q must match %s", group, groupPattern)}
	}
	return nil
}

type nameRule struct {
	suffix    string
	maxLen    int
	lowercase bool
}

// nameRules holds provider limits per kind: 255 for EC2 security
// groups and Name tags, 64 for IAM roles, 256 for ECR repositories,
// 128 for Batch names.
var nameRules = map[api.Kind]nameRule{
	api.KindVpc:                {suffix: "-cloudknot-vpc", maxLen: 255},
	api.KindSubnet:             {suffix: "-cloudknot-subnet", maxLen: 255},
	api.KindSecurityGroup:      {suffix: "-cloudknot-security-group", maxLen: 255},
	api.KindRole:               {suffix: "-cloudknot-instance-role", maxLen: 64},
	api.KindRepository:         {suffix: "-cloudknot-repo", maxLen: 256, lowercase: true},
	api.KindComputeEnvironment: {suffix: "-cloudknot-compute-environment", maxLen: 128},
	api.KindJobQueue:           {suffix: "-cloudknot-job-queue", maxLen: 128},
	api.KindJobDefinition:      {suffix: "-cloudknot-job-definition", maxLen: 128},
}

const hashLen = 8

// DeriveName returns the deterministic resource name of kind within group.
//
// When the group fits the kind's limits unchanged the name is
// group+suffix. Otherwise the group is cut to fit and followed by "_"
// and a short sha256 of the full group. Groups never contain "_", so a
// hashed name cannot equal any unhashed one.
func DeriveName(group string, kind api.Kind) string {
	rule, ok := nameRules[kind]
	if !ok {
		rule = nameRule{suffix: "-cloudknot-" + strings.ToLower(string(kind)), maxLen: 128}
	}
	base := group
	if rule.lowercase {
		base = strings.ToLower(group)
		for strings.Contains(base, "--") {
			base = strings.ReplaceAll(base, "--", "-")
		}
	}
	if base == group && len(group)+len(rule.suffix) <= rule.maxLen {
		return group + rule.suffix
	}
	sum := sha256.Sum256([]byte(group))
	tag := "_" + hex.EncodeToString(sum[:])[:hashLen]
	room := rule.maxLen - len(rule.suffix) - len(tag)
	if room < 1 {
		room = 1
	}
	// ECR rejects adjacent separators, so a cut ending in "-" is trimmed.
	return strings.TrimRight(truncate(base, room), "-") + tag + rule.suffix
}

// Names returns the derived name of every kind for group.
func Names(group string) map[api.Kind]string {
	out := make(map[api.Kind]string, len(api.Kinds))
	for _, k := range api.Kinds {
		out[k] = DeriveName(group, k)
	}
	return out
}

// nameLimit returns the provider's maximum name length for kind.
func nameLimit(kind api.Kind) int {
	return nameRules[kind].maxLen
}
