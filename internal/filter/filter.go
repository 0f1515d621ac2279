// Package filter decides which (dataset, variant) pairs a run processes.
//
// IsEligible is a pure function of its inputs: it never touches the network,
// the ledger store or the clock.
package filter

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
)

// Verdict is the outcome class of a decision.
type Verdict int

const (
	// Eligible pairs enter the pipeline.
	Eligible Verdict = iota
	// Filtered pairs are excluded by policy (license or allow-list).
	Filtered
	// Done pairs were already converted.
	Done
	// Failed pairs failed in an earlier run and are not being retried.
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Eligible:
		return "eligible"
	case Filtered:
		return "filtered"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is the result of IsEligible.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Eligible reports whether the pair should be processed.
func (d Decision) Eligible() bool {
	return d.Verdict == Eligible
}

// Policy is the filter configuration.
type Policy struct {
	// Disallowed lists license classes that are never processed. A nil
	// slice means the default: non-commercial data is excluded.
	Disallowed []catalog.License

	// AllowNonCommercial lifts the default exclusion. It has no effect when
	// Disallowed is set explicitly.
	AllowNonCommercial bool

	// Identifiers, when non-empty, is the allow-list. An entry matches a
	// dataset identifier or a variant identifier.
	Identifiers []string

	// Force reprocesses converted and failed pairs.
	Force bool

	// RetryFailed reprocesses failed pairs only.
	RetryFailed bool
}

// disallowed returns the effective disallowed license set.
func (p Policy) disallowed() []catalog.License {
	if p.Disallowed != nil {
		return p.Disallowed
	}
	if p.AllowNonCommercial {
		return nil
	}
	return []catalog.License{catalog.LicenseNonCommercial}
}

// Allows reports whether id passes the allow-list.
func (p Policy) Allows(ids ...string) bool {
	if len(p.Identifiers) == 0 {
		return true
	}
	for _, allowed := range p.Identifiers {
		for _, id := range ids {
			if strings.EqualFold(strings.TrimSpace(allowed), id) {
				return true
			}
		}
	}
	return false
}

// IsEligible decides whether variant of desc is processed in this run,
// given the pair's current ledger entry.
func IsEligible(desc catalog.DatasetDescriptor, variant catalog.Variant, entry ledger.Entry, p Policy) Decision {
	for _, l := range p.disallowed() {
		if desc.License == l {
			return Decision{Verdict: Filtered, Reason: "license " + l.String()}
		}
	}
	if !p.Allows(desc.ID, variant.ID) {
		return Decision{Verdict: Filtered, Reason: "not in identifier allow-list"}
	}

	if entry.Failed() {
		if p.Force || p.RetryFailed {
			return Decision{Verdict: Eligible, Reason: "retrying failed entry"}
		}
		return Decision{Verdict: Failed, Reason: fmt.Sprintf("failed at %s: %s", entry.Failure.Stage, entry.Failure.Reason)}
	}
	if entry.Stage >= ledger.StageConverted && !p.Force {
		return Decision{Verdict: Done, Reason: "already converted"}
	}
	return Decision{Verdict: Eligible}
}
