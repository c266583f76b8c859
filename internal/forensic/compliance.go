package forensic

import (
	"strings"
	"time"

	"github.com/custodia/custodia/internal/evidence"
	"github.com/custodia/custodia/internal/ledger"
)

// retentionDays is the personal-data retention policy checked by the
// storage limitation principle.
const retentionDays = 30

// GDPRCompliance is the per-principle GDPR assessment.
type GDPRCompliance struct {
	Compliant        bool            `json:"compliant"`
	Principles       map[string]bool `json:"principles"`
	Issues           []string        `json:"issues"`
	EvidenceCount    map[string]int  `json:"evidence_count"`
	LastVerification int64           `json:"last_verification"`
}

// CCPACompliance is the per-right CCPA assessment.
type CCPACompliance struct {
	Compliant               bool            `json:"compliant"`
	Rights                  map[string]bool `json:"rights"`
	Issues                  []string        `json:"issues"`
	DataCollectionPractices []string        `json:"data_collection_practices"`
}

// ComplianceReport is the combined report returned to callers.
type ComplianceReport struct {
	Timestamp       int64          `json:"timestamp"`
	GDPR            GDPRCompliance `json:"gdpr_compliance"`
	CCPA            CCPACompliance `json:"ccpa_compliance"`
	IssuesFound     []string       `json:"issues_found"`
	Recommendations []string       `json:"recommendations"`
}

// complianceReporter evaluates the heuristic principle and right checks
// over a snapshot of the evidence corpus. The checks pattern-match
// evidence descriptions and custody notes; they are an audit aid, not a
// legal determination.
type complianceReporter struct {
	store  *evidence.Store
	ledger *ledger.Ledger
	corpus []evidence.Evidence
}

func newComplianceReporter(store *evidence.Store, led *ledger.Ledger) *complianceReporter {
	return &complianceReporter{
		store:  store,
		ledger: led,
		corpus: store.ListAll(),
	}
}

func (r *complianceReporter) combinedReport() ComplianceReport {
	return ComplianceReport{
		Timestamp:   time.Now().UnixMilli(),
		GDPR:        r.gdprReport(),
		CCPA:        r.ccpaReport(),
		IssuesFound: []string{},
		Recommendations: []string{
			"Implementar borrado automático de datos según política de retención",
			"Documentar todos los procesos de tratamiento de datos personales",
			"Asegurar cifrado de todos los datos sensibles en reposo y tránsito",
		},
	}
}

func (r *complianceReporter) gdprReport() GDPRCompliance {
	var issues []string

	if !r.store.VerifyAll().AllValid {
		issues = append(issues, "Evidencias con cadena de custodia comprometida")
	}
	if !r.ledger.VerifyChain() {
		issues = append(issues, "Cadena de bloques de logs comprometida")
	}

	principles := map[string]bool{
		"Lawfulness":                    r.checkLawfulness(),
		"Purpose limitation":            r.checkPurposeLimitation(),
		"Data minimization":             r.checkDataMinimization(),
		"Accuracy":                      r.checkAccuracy(),
		"Storage limitation":            r.checkStorageLimitation(),
		"Integrity and confidentiality": r.checkIntegrityAndConfidentiality(),
		"Accountability":                r.checkAccountability(),
	}
	for principle, compliant := range principles {
		if !compliant {
			issues = append(issues, "Principle not compliant: "+principle)
		}
	}

	counts := make(map[string]int)
	for _, ev := range r.corpus {
		counts[string(ev.Type)]++
	}

	return GDPRCompliance{
		Compliant:        len(issues) == 0,
		Principles:       principles,
		Issues:           issues,
		EvidenceCount:    counts,
		LastVerification: time.Now().UnixMilli(),
	}
}

func (r *complianceReporter) ccpaReport() CCPACompliance {
	rights := map[string]bool{
		"Right to know":               r.checkRightToKnow(),
		"Right to delete":             r.checkRightToDelete(),
		"Right to opt-out":            r.checkRightToOptOut(),
		"Right to non-discrimination": r.checkRightToNonDiscrimination(),
	}

	var issues []string
	for right, compliant := range rights {
		if !compliant {
			issues = append(issues, "Right not guaranteed: "+right)
		}
	}

	return CCPACompliance{
		Compliant: len(issues) == 0,
		Rights:    rights,
		Issues:    issues,
		DataCollectionPractices: []string{
			"Data collected for security and forensic purposes",
			"No sale of personal information",
		},
	}
}

// Every record either documents its lawful basis or is a security event.
func (r *complianceReporter) checkLawfulness() bool {
	for _, ev := range r.corpus {
		if !strings.Contains(ev.Description, "lawful basis") && ev.Type != evidence.TypeSecurityEvent {
			return false
		}
	}
	return true
}

func (r *complianceReporter) checkPurposeLimitation() bool {
	for _, ev := range r.corpus {
		if strings.Contains(ev.Description, "used for incompatible purpose") {
			return false
		}
	}
	return true
}

// No record flags excessive collection, and user activity records carry
// an authorization note.
func (r *complianceReporter) checkDataMinimization() bool {
	for _, ev := range r.corpus {
		if strings.Contains(ev.Description, "excessive data") {
			return false
		}
		if ev.Type == evidence.TypeUserActivity && !strings.Contains(ev.Description, "authorized") {
			return false
		}
	}
	return true
}

// Every personal-data record has a VERIFICATION custody entry
// confirming accuracy.
func (r *complianceReporter) checkAccuracy() bool {
	for _, ev := range r.corpus {
		if !strings.Contains(ev.Description, "personal data") {
			continue
		}
		confirmed := false
		for _, rec := range ev.ChainOfCustody {
			if rec.Action == "VERIFICATION" && strings.Contains(rec.Notes, "accuracy confirmed") {
				confirmed = true
				break
			}
		}
		if !confirmed {
			return false
		}
	}
	return true
}

// No personal-data record is older than the retention policy, measured
// from its first custody entry.
func (r *complianceReporter) checkStorageLimitation() bool {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	for _, ev := range r.corpus {
		if len(ev.ChainOfCustody) == 0 {
			continue
		}
		if ev.ChainOfCustody[0].Timestamp < cutoff && strings.Contains(ev.Description, "personal data") {
			return false
		}
	}
	return true
}

func (r *complianceReporter) checkIntegrityAndConfidentiality() bool {
	return r.store.VerifyAll().AllValid && r.ledger.VerifyChain()
}

// Every record has a non-empty custody chain with named actors.
func (r *complianceReporter) checkAccountability() bool {
	for _, ev := range r.corpus {
		if len(ev.ChainOfCustody) == 0 {
			return false
		}
		for _, rec := range ev.ChainOfCustody {
			if strings.TrimSpace(rec.Actor) == "" {
				return false
			}
		}
	}
	return true
}

func (r *complianceReporter) checkRightToKnow() bool {
	return r.anyUserActivity("data disclosure request")
}

func (r *complianceReporter) checkRightToDelete() bool {
	return r.anyUserActivity("deletion request fulfilled")
}

func (r *complianceReporter) checkRightToOptOut() bool {
	return r.anyUserActivity("opt-out mechanism")
}

func (r *complianceReporter) checkRightToNonDiscrimination() bool {
	for _, ev := range r.corpus {
		if strings.Contains(ev.Description, "discrimination") ||
			strings.Contains(ev.Description, "retaliation") {
			return false
		}
	}
	return true
}

func (r *complianceReporter) anyUserActivity(marker string) bool {
	for _, ev := range r.corpus {
		if ev.Type == evidence.TypeUserActivity && strings.Contains(ev.Description, marker) {
			return true
		}
	}
	return false
}
