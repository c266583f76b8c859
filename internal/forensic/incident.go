package forensic

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/custodia/custodia/internal/evidence"
	"github.com/custodia/custodia/internal/ledger"
)

// TimelineEvent is one entry in an incident timeline, drawn from either
// a custody record or a ledger block.
type TimelineEvent struct {
	Timestamp   int64  `json:"timestamp"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Actor       string `json:"actor"`
}

// IncidentReport collects everything known about one incident id.
type IncidentReport struct {
	IncidentID      string              `json:"incident_id"`
	Timestamp       int64               `json:"timestamp"`
	RelatedEvidence []evidence.Evidence `json:"related_evidence"`
	RelatedLogs     []ledger.Block      `json:"related_logs"`
	Timeline        []TimelineEvent     `json:"timeline"`
	Findings        []string            `json:"findings"`
	Recommendations []string            `json:"recommendations"`
}

// investigate collects evidence whose description or source mentions
// incidentID, the ledger blocks whose data mentions it, and derives the
// timeline and canned findings from them.
func investigate(store *evidence.Store, led *ledger.Ledger, incidentID string) IncidentReport {
	var related []evidence.Evidence
	for _, ev := range store.ListAll() {
		if strings.Contains(ev.Description, incidentID) || strings.Contains(ev.Source, incidentID) {
			related = append(related, ev)
		}
	}

	logs := led.BlocksContaining(incidentID)

	return IncidentReport{
		IncidentID:      incidentID,
		Timestamp:       time.Now().UnixMilli(),
		RelatedEvidence: related,
		RelatedLogs:     logs,
		Timeline:        buildTimeline(related, logs),
		Findings:        analyzeFindings(related, logs),
		Recommendations: recommend(related),
	}
}

// buildTimeline merges custody entries and ledger blocks into a single
// sequence ordered by timestamp.
func buildTimeline(related []evidence.Evidence, logs []ledger.Block) []TimelineEvent {
	var events []TimelineEvent

	for _, ev := range related {
		for _, rec := range ev.ChainOfCustody {
			events = append(events, TimelineEvent{
				Timestamp:   rec.Timestamp,
				Type:        "EVIDENCE_" + rec.Action,
				Description: fmt.Sprintf("%s: %s", ev.Type, rec.Notes),
				Actor:       rec.Actor,
			})
		}
	}

	for _, b := range logs {
		events = append(events, TimelineEvent{
			Timestamp:   b.Timestamp,
			Type:        "LOG_" + b.Action,
			Description: b.Data,
			Actor:       "SYSTEM",
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

func analyzeFindings(related []evidence.Evidence, logs []ledger.Block) []string {
	var findings []string

	if hasType(related, evidence.TypeSecurityEvent) {
		findings = append(findings, "Eventos de seguridad detectados")
	}
	for _, b := range logs {
		if b.Action == "UNAUTHORIZED_ACCESS" {
			findings = append(findings, "Intentos de acceso no autorizados registrados")
			break
		}
	}
	if hasType(related, evidence.TypeUnauthorizedAccess) {
		findings = append(findings, "Evidencia de acceso no autorizado confirmado")
	}

	return findings
}

func recommend(related []evidence.Evidence) []string {
	var recs []string

	if hasType(related, evidence.TypeUnauthorizedAccess) {
		recs = append(recs,
			"Reforzar controles de autenticación",
			"Implementar monitoreo de accesos sospechosos")
	}
	if hasType(related, evidence.TypeSecurityEvent) {
		recs = append(recs,
			"Revisar políticas de seguridad",
			"Actualizar sistemas de detección de intrusiones")
	}

	return recs
}

func hasType(records []evidence.Evidence, typ evidence.Type) bool {
	for _, ev := range records {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
