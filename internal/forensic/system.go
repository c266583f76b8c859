// Package forensic ties the evidence store and the ledger into one
// reporting surface: compliance reports over the whole corpus and
// incident reports scoped to a single identifier.
package forensic

import (
	"github.com/custodia/custodia/internal/evidence"
	"github.com/custodia/custodia/internal/ledger"
)

// System is the forensic facade. It owns no state of its own; all data
// lives in the evidence store and the ledger it wraps.
type System struct {
	evidence *evidence.Store
	ledger   *ledger.Ledger
}

// NewSystem wires the facade over an existing evidence store and ledger.
func NewSystem(ev *evidence.Store, led *ledger.Ledger) *System {
	return &System{evidence: ev, ledger: led}
}

// LogEvidence records a new piece of evidence. The store itself mirrors
// the creation into the ledger.
func (s *System) LogEvidence(typ evidence.Type, description, source, collector string) (*evidence.Evidence, error) {
	return s.evidence.Create(typ, description, source, collector)
}

// GenerateComplianceReport builds the combined GDPR and CCPA report over
// the current evidence corpus and ledger state.
func (s *System) GenerateComplianceReport() ComplianceReport {
	return newComplianceReporter(s.evidence, s.ledger).combinedReport()
}

// InvestigateIncident gathers every record and ledger block mentioning
// incidentID and assembles the incident report.
func (s *System) InvestigateIncident(incidentID string) IncidentReport {
	return investigate(s.evidence, s.ledger, incidentID)
}

// VerifyChainOfCustody verifies the fixed-point hash of every persisted
// evidence record.
func (s *System) VerifyChainOfCustody() evidence.VerificationResult {
	return s.evidence.VerifyAll()
}
