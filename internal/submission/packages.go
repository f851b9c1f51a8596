package submission

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PackagePolicy bounds what a purchased package tier may consume.
type PackagePolicy struct {
	Name                string  `mapstructure:"name" json:"name"`
	DirectoryLimit      int     `mapstructure:"directory_limit" json:"directory_limit"`
	MaxDirectoryTier    int     `mapstructure:"max_directory_tier" json:"max_directory_tier"`
	BasePriority        int     `mapstructure:"base_priority" json:"base_priority"`
	ConcurrentJobs      int     `mapstructure:"concurrent_jobs" json:"concurrent_jobs"`
	ManualSessions      int     `mapstructure:"manual_sessions" json:"manual_sessions"`
	ManualConfidenceMin float64 `mapstructure:"manual_confidence_min" json:"manual_confidence_min"`
}

// Package names.
const (
	PackageStarter      = "starter"
	PackageGrowth       = "growth"
	PackageProfessional = "professional"
	PackageEnterprise   = "enterprise"
)

// DefaultPackages returns the built-in package table.
func DefaultPackages() map[string]PackagePolicy {
	return map[string]PackagePolicy{
		PackageStarter: {
			Name: PackageStarter, DirectoryLimit: 50, MaxDirectoryTier: 4,
			BasePriority: 10, ConcurrentJobs: 2, ManualSessions: 0, ManualConfidenceMin: 0.6,
		},
		PackageGrowth: {
			Name: PackageGrowth, DirectoryLimit: 100, MaxDirectoryTier: 4,
			BasePriority: 20, ConcurrentJobs: 2, ManualSessions: 2, ManualConfidenceMin: 0.6,
		},
		PackageProfessional: {
			Name: PackageProfessional, DirectoryLimit: 200, MaxDirectoryTier: 4,
			BasePriority: 30, ConcurrentJobs: 3, ManualSessions: 5, ManualConfidenceMin: 0.7,
		},
		PackageEnterprise: {
			Name: PackageEnterprise, DirectoryLimit: 500, MaxDirectoryTier: 4,
			BasePriority: 40, ConcurrentJobs: 4, ManualSessions: 5, ManualConfidenceMin: 0.7,
		},
	}
}

// Packages is a lookup table of package policies keyed by lowercase name.
type Packages map[string]PackagePolicy

// NewPackages normalizes keys and fills each policy's Name.
func NewPackages(src map[string]PackagePolicy) Packages {
	out := make(Packages, len(src))
	for name, policy := range src {
		key := strings.ToLower(strings.TrimSpace(name))
		policy.Name = key
		out[key] = policy
	}
	return out
}

// Lookup returns the policy for name or ErrUnknownPackage.
func (p Packages) Lookup(name string) (PackagePolicy, error) {
	policy, ok := p[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return PackagePolicy{}, fmt.Errorf("%w: %q", ErrUnknownPackage, name)
	}
	return policy, nil
}

// Names returns the package names in ascending base-priority order, ties
// broken by name.
func (p Packages) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := p[names[i]].BasePriority, p[names[j]].BasePriority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// Priority computes basePriority + min(waitMinutes, agingCap).
func (policy PackagePolicy) Priority(wait time.Duration, agingCap int) int {
	minutes := int(wait / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if agingCap >= 0 && minutes > agingCap {
		minutes = agingCap
	}
	return policy.BasePriority + minutes
}
