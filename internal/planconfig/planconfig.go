// Package planconfig resolves the benefit rules that adjudication runs
// against. Plan configuration itself is authored elsewhere; this package is a
// read-only consumer of the version flagged current for a policy.
package planconfig

import (
	"context"
	"errors"
)

// Version lifecycle for a plan configuration.
const (
	VersionStatusDraft     = "DRAFT"
	VersionStatusPublished = "PUBLISHED"
)

var (
	ErrConfigNotFound    = errors.New("plan config not found")
	ErrCategoryDisabled  = errors.New("benefit category disabled")
	ErrIneligibleService = errors.New("service not covered by benefit rule")
	ErrNoAssignment      = errors.New("no policy assignment for member")
)

// BenefitRule is the per-category rule set from the current plan version.
// Limits and caps are integer cents; nil means not configured.
type BenefitRule struct {
	CategoryCode            string
	Enabled                 bool
	CopayPercent            int
	ServiceTransactionLimit *int64
	AnnualCategoryCap       *int64
	AllowedServices         []string
}

// Allows reports whether the rule's allow-list covers the service code.
// An empty allow-list covers every service in the category.
func (rule BenefitRule) Allows(serviceCode string) bool {
	if len(rule.AllowedServices) == 0 {
		return true
	}
	for _, allowed := range rule.AllowedServices {
		if allowed == serviceCode {
			return true
		}
	}
	return false
}

// PlanVersion identifies one published configuration of a policy.
type PlanVersion struct {
	PolicyID  string
	Version   int
	Status    string
	IsCurrent bool
}

// Assignment links a member to a policy, optionally pinning a plan version.
type Assignment struct {
	MemberID    string
	PolicyID    string
	PlanVersion *int
}

// Store is the read contract over the plan configuration source.
type Store interface {
	CurrentVersion(ctx context.Context, policyID string) (PlanVersion, error)
	Rule(ctx context.Context, policyID string, version int, categoryCode string) (BenefitRule, error)
	MemberAssignment(ctx context.Context, memberID string) (Assignment, error)
}

// Resolver answers "which rule applies" without locking against concurrent
// publishes: it reads through the current-version pointer on every call.
type Resolver struct {
	store Store
}

// NewResolver wires a Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the benefit rule for a category under the policy's current
// published version. ErrConfigNotFound when no current version exists,
// ErrCategoryDisabled when the rule is switched off.
func (resolver *Resolver) Resolve(ctx context.Context, policyID string, categoryCode string) (BenefitRule, error) {
	version, err := resolver.store.CurrentVersion(ctx, policyID)
	if err != nil {
		return BenefitRule{}, err
	}
	if version.Status != VersionStatusPublished {
		return BenefitRule{}, ErrConfigNotFound
	}
	rule, err := resolver.store.Rule(ctx, policyID, version.Version, categoryCode)
	if err != nil {
		return BenefitRule{}, err
	}
	if !rule.Enabled {
		return BenefitRule{}, ErrCategoryDisabled
	}
	return rule, nil
}

// ResolveForMember resolves through the member's policy assignment. When the
// assignment pins a plan version that version is used; otherwise the policy's
// current version applies.
func (resolver *Resolver) ResolveForMember(ctx context.Context, memberID string, categoryCode string) (BenefitRule, string, error) {
	assignment, err := resolver.store.MemberAssignment(ctx, memberID)
	if err != nil {
		return BenefitRule{}, "", err
	}
	if assignment.PlanVersion != nil {
		rule, err := resolver.store.Rule(ctx, assignment.PolicyID, *assignment.PlanVersion, categoryCode)
		if err != nil {
			return BenefitRule{}, "", err
		}
		if !rule.Enabled {
			return BenefitRule{}, "", ErrCategoryDisabled
		}
		return rule, assignment.PolicyID, nil
	}
	rule, err := resolver.Resolve(ctx, assignment.PolicyID, categoryCode)
	if err != nil {
		return BenefitRule{}, "", err
	}
	return rule, assignment.PolicyID, nil
}
