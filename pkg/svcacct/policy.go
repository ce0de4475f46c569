package svcacct

import "strings"

// Policy names encode a grant as {prefix}_svcacc_{accountKey}, where the
// prefix is the single-character access level. Account keys contain
// underscores themselves, so parsing splits on the first separator only.

const policyInfix = "svcacc"

// PolicyName builds the external policy name for a grant level on an account.
func PolicyName(level AccessLevel, accountKey string) string {
	return level.Prefix() + "_" + policyInfix + "_" + accountKey
}

// AccountPolicyNames returns all four policy names for an account, in
// read, write, deny, owner order.
func AccountPolicyNames(accountKey string) []string {
	return []string{
		PolicyName(AccessRead, accountKey),
		PolicyName(AccessWrite, accountKey),
		PolicyName(AccessDeny, accountKey),
		PolicyName(AccessOwner, accountKey),
	}
}

// ParsePolicy splits a policy name into its access level and resource
// scope (everything after the prefix character). Names that do not carry a
// known prefix or have fewer than three underscore-separated segments are
// not grant policies and report ok=false.
func ParsePolicy(name string) (level AccessLevel, scope string, ok bool) {
	if strings.Count(name, "_") < 2 {
		return "", "", false
	}
	i := strings.Index(name, "_")
	level, ok = LevelFromPrefix(name[:i])
	if !ok {
		return "", "", false
	}
	return level, name[i+1:], true
}

// precedence rank: deny > write > read/owner. Owner participates in
// merging identically to read but is protected from removal elsewhere.
func rank(level AccessLevel) int {
	switch level {
	case AccessDeny:
		return 3
	case AccessWrite:
		return 2
	default:
		return 1
	}
}

// Resolve removes any read/write/deny policy for the grant's resource from
// the set and inserts the grant's policy name. Owner policies are never
// removed here unless the incoming grant is itself an owner grant.
// Resolve is idempotent.
func Resolve(existing []string, grant PolicyGrant) []string {
	newName := PolicyName(grant.Level, grant.Resource)
	_, newScope, _ := ParsePolicy(newName)

	out := make([]string, 0, len(existing)+1)
	for _, p := range existing {
		if p == newName {
			continue
		}
		level, scope, ok := ParsePolicy(p)
		if ok && scope == newScope {
			if level != AccessOwner || grant.Level == AccessOwner {
				continue
			}
		}
		out = append(out, p)
	}
	return append(out, newName)
}

// Remove strips the policy for the grant's level and resource from the set.
func Remove(existing []string, grant PolicyGrant) []string {
	name := PolicyName(grant.Level, grant.Resource)
	out := make([]string, 0, len(existing))
	for _, p := range existing {
		if p != name {
			out = append(out, p)
		}
	}
	return out
}

// StripAccount removes all four of an account's policy names from the set.
func StripAccount(existing []string, accountKey string) []string {
	drop := make(map[string]struct{}, 4)
	for _, name := range AccountPolicyNames(accountKey) {
		drop[name] = struct{}{}
	}
	out := make([]string, 0, len(existing))
	for _, p := range existing {
		if _, gone := drop[p]; gone {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FilterByPrecedence collapses a policy list so that each resource scope
// retains only its highest-priority grants. A deny for a scope drops any
// write/read/owner for that scope; a write drops read/owner. Read and
// owner rank equally and can coexist. Policies that are not grant policies
// pass through untouched. The function is idempotent and preserves the
// first-seen order of survivors.
func FilterByPrecedence(policies []string) []string {
	maxRank := make(map[string]int)
	for _, p := range policies {
		level, scope, ok := ParsePolicy(p)
		if !ok {
			continue
		}
		if r := rank(level); r > maxRank[scope] {
			maxRank[scope] = r
		}
	}

	seen := make(map[string]struct{}, len(policies))
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		if _, dup := seen[p]; dup {
			continue
		}
		level, scope, ok := ParsePolicy(p)
		if ok && rank(level) < maxRank[scope] {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// MergeAcrossSources combines a caller's two independent policy lists
// (token-level and identity/entity-level) into one effective set under the
// same precedence rule.
func MergeAcrossSources(tokenPolicies, entityPolicies []string) []string {
	combined := make([]string, 0, len(tokenPolicies)+len(entityPolicies))
	combined = append(combined, entityPolicies...)
	combined = append(combined, tokenPolicies...)
	return FilterByPrecedence(combined)
}

// HasPolicy reports whether the set contains the exact policy name for the
// level and account.
func HasPolicy(policies []string, level AccessLevel, accountKey string) bool {
	name := PolicyName(level, accountKey)
	for _, p := range policies {
		if p == name {
			return true
		}
	}
	return false
}
