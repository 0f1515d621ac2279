package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
)

func TestIsEligible(t *testing.T) {
	open := catalog.DatasetDescriptor{ID: "N03", License: catalog.LicenseOpen}
	nonCommercial := catalog.DatasetDescriptor{ID: "P12", License: catalog.LicenseNonCommercial}
	pref := catalog.Variant{ID: "N03-13"}

	converted := ledger.Entry{Dataset: "N03", Variant: "N03-13", Stage: ledger.StageConverted}
	extracted := ledger.Entry{Dataset: "N03", Variant: "N03-13", Stage: ledger.StageExtracted}
	failed := ledger.Entry{
		Dataset: "N03", Variant: "N03-13", Stage: ledger.StageDownloaded,
		Failure: &ledger.Failure{Stage: ledger.StageExtracted, Reason: "bad zip"},
	}

	tests := []struct {
		name    string
		desc    catalog.DatasetDescriptor
		entry   ledger.Entry
		policy  Policy
		verdict Verdict
	}{
		{"fresh open dataset", open, ledger.Entry{}, Policy{}, Eligible},
		{"non-commercial excluded by default", nonCommercial, ledger.Entry{}, Policy{}, Filtered},
		{"non-commercial permitted", nonCommercial, ledger.Entry{}, Policy{AllowNonCommercial: true}, Eligible},
		{"explicit disallow list", open, ledger.Entry{}, Policy{Disallowed: []catalog.License{catalog.LicenseOpen}}, Filtered},
		{"empty disallow list permits all", nonCommercial, ledger.Entry{}, Policy{Disallowed: []catalog.License{}}, Eligible},
		{"allow-list by dataset", open, ledger.Entry{}, Policy{Identifiers: []string{"n03"}}, Eligible},
		{"allow-list by variant", open, ledger.Entry{}, Policy{Identifiers: []string{"N03-13"}}, Eligible},
		{"not in allow-list", open, ledger.Entry{}, Policy{Identifiers: []string{"A01"}}, Filtered},
		{"already converted", open, converted, Policy{}, Done},
		{"converted but forced", open, converted, Policy{Force: true}, Eligible},
		{"partially done resumes", open, extracted, Policy{}, Eligible},
		{"failed stays failed", open, failed, Policy{}, Failed},
		{"failed with retry", open, failed, Policy{RetryFailed: true}, Eligible},
		{"filter wins over force", nonCommercial, converted, Policy{Force: true}, Filtered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := IsEligible(tt.desc, pref, tt.entry, tt.policy)
			assert.Equal(t, tt.verdict, d.Verdict, d.Reason)
			assert.Equal(t, tt.verdict == Eligible, d.Eligible())
		})
	}
}

func TestIsEligibleReasons(t *testing.T) {
	d := IsEligible(catalog.DatasetDescriptor{ID: "P12", License: catalog.LicenseNonCommercial}, catalog.Variant{ID: "P12"}, ledger.Entry{}, Policy{})
	assert.Equal(t, "license non-commercial", d.Reason)

	failed := ledger.Entry{Failure: &ledger.Failure{Stage: ledger.StageDownloaded, Reason: "404"}}
	d = IsEligible(catalog.DatasetDescriptor{ID: "A01"}, catalog.Variant{ID: "A01"}, failed, Policy{})
	assert.Equal(t, "failed at downloaded: 404", d.Reason)
}
