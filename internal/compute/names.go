package compute

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// BaseTag is attached to every VM this service creates.
const BaseTag = "gameserv-vm"

// Label keys stamped on every created VM.
const (
	LabelManagedBy = "managed-by-bot"
	LabelCreatedBy = "created-by"
)

const (
	maxInstanceNameLen = 63
	maxTagLen          = 63
	maxRuleNameLen     = 62
	ruleNameStemLen    = 20
)

var instanceNamePattern = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)

// ErrInvalidName rejects instance names outside the provider naming grammar.
var ErrInvalidName = errors.New("compute: invalid instance name")

// ValidateInstanceName enforces the provider grammar: starts with a lowercase
// letter, lowercase alphanumerics and hyphens, no trailing hyphen, 1-63 chars.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > maxInstanceNameLen {
		return fmt.Errorf("%w: %q must be 1-63 characters", ErrInvalidName, name)
	}
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a lowercase letter and contain only lowercase letters, digits and hyphens", ErrInvalidName, name)
	}
	return nil
}

// InstanceTag derives the deterministic per-instance network tag used to
// scope firewall rules to one VM.
func InstanceTag(name string) string {
	tag := "gameserv-" + strings.ReplaceAll(strings.ToLower(name), "_", "-")
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}

// FirewallRuleName derives the rule name for opening one port on an instance.
func FirewallRuleName(instanceName string, port int, protocol string) string {
	stem := strings.ReplaceAll(strings.ToLower(instanceName), "_", "-")
	if len(stem) > ruleNameStemLen {
		stem = stem[:ruleNameStemLen]
	}
	name := fmt.Sprintf("allow-%s-%d-%s", stem, port, strings.ToLower(protocol))
	if len(name) > maxRuleNameLen {
		name = name[:maxRuleNameLen]
	}
	return name
}

// ManagementLabels returns the label set stamped on every created instance.
func ManagementLabels(creatorUserID string) map[string]string {
	return map[string]string{
		LabelManagedBy: "true",
		LabelCreatedBy: creatorUserID,
	}
}

// MergeTags combines the base management tag, template tags and the
// per-instance tag, de-duplicated in order.
func MergeTags(instanceTag string, extra []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(extra)+2)
	for _, tag := range append([]string{BaseTag, instanceTag}, extra...) {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
