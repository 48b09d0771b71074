package rag

// Answer labels form a closed set. Anything a model emits outside this
// set is a contract violation, never passed through.
const (
	LabelLicenseRequired      = "license_required"
	LabelNoLicenseRequired    = "no_license_required"
	LabelPermitted            = "permitted"
	LabelPermittedWithLicense = "permitted_with_license"
	LabelProhibited           = "prohibited"
	LabelUnanswerable         = "unanswerable"
)

var validLabels = map[string]bool{
	LabelLicenseRequired:      true,
	LabelNoLicenseRequired:    true,
	LabelPermitted:            true,
	LabelPermittedWithLicense: true,
	LabelProhibited:           true,
	LabelUnanswerable:         true,
}

// Answer is the finalized response of a query. Grounded reports whether
// at least one citation survived grounding; a refusal is never grounded.
type Answer struct {
	AnswerLabel   string   `json:"answer_label"`
	AnswerText    string   `json:"answer_text"`
	EARSections   []string `json:"ear_sections"`
	Rationale     string   `json:"rationale,omitempty"`
	Confidence    float64  `json:"confidence"`
	Grounded      bool     `json:"grounded"`
	Refused       bool     `json:"refused,omitempty"`
	RefusalReason string   `json:"refusal_reason,omitempty"`
	// Lineage carries provenance for each cited section, resolved from
	// the knowledge graph after grounding.
	Lineage map[string]Lineage `json:"lineage,omitempty"`
	Cached  bool               `json:"cached,omitempty"`
}

// Lineage is the provenance of one cited section.
type Lineage struct {
	DerivedFrom string `json:"derived_from"`
	Issued      string `json:"issued"`
}

// Refusal codes.
const (
	RefusalThinRetrieval = "thin_retrieval"
)

// modelOutput is the raw shape requested from the provider before
// finalize has run.
type modelOutput struct {
	AnswerLabel string   `json:"answer_label"`
	AnswerText  string   `json:"answer_text"`
	EARSections []string `json:"ear_sections"`
	Rationale   string   `json:"rationale"`
	Confidence  float64  `json:"confidence"`
}
