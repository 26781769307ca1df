package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainFiring   = "outpost/firing/v1"
	DomainRuleset  = "outpost/ruleset/v1"
	DomainDocument = "outpost/document/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FiringKey identifies one action of one rule applied to one event. It is
// stable across redeliveries, so effects keyed by it are written once.
func FiringKey(eventID, ruleID string, actionIndex int) string {
	obj := map[string]any{
		"event_id":     eventID,
		"rule_id":      ruleID,
		"action_index": actionIndex,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Strings and ints always encode.
		panic(err)
	}
	return hashWithDomain(DomainFiring, canonical)
}

// RulesetHash identifies a set of compiled rules. Equal rule lists in equal
// order hash identically; it is logged on every reload and shown by the
// admin surface.
func RulesetHash(rules []Rule) (string, error) {
	canonical, err := MarshalCanonical(rules)
	if err != nil {
		return "", fmt.Errorf("RulesetHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRuleset, canonical), nil
}

// DocumentHash hashes the canonical form of v.
func DocumentHash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("DocumentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// MustRulesetHash is like RulesetHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRulesetHash(rules []Rule) string {
	h, err := RulesetHash(rules)
	if err != nil {
		panic(err)
	}
	return h
}
