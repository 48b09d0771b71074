package facade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		snap, err := s.cfg.Health(r.Context())
		if err != nil {
			writeKindError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// entityView is the public shape of a section.
type entityView struct {
	SectionID string   `json:"section_id"`
	IRI       string   `json:"iri"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	SourceRef string   `json:"source_ref"`
	Chunks    []string `json:"chunks,omitempty"`
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	sectionID, err := earid.NormalizeSectionID(r.PathValue("id"))
	if err != nil {
		writeKindError(w, r, errkind.Wrap(errkind.InvalidInput, "facade.entity", err))
		return
	}

	view := entityView{SectionID: sectionID}
	view.IRI, _ = earid.BuildSectionIRI(sectionID)

	var parts []string
	for i := range s.corpus.Documents {
		d := &s.corpus.Documents[i]
		if d.SectionID != sectionID {
			continue
		}
		if view.SourceRef == "" {
			view.SourceRef = d.SourceRef
			view.Title = d.Title
		}
		parts = append(parts, d.Text)
		if d.ParentID != "" {
			view.Chunks = append(view.Chunks, d.DocID)
		}
	}
	if len(parts) == 0 {
		writeKindError(w, r, errkind.New(errkind.NotFound, "facade.entity",
			"no section %s in the active corpus", sectionID))
		return
	}
	view.Text = strings.Join(parts, "\n\n")
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeKindError(w, r, errkind.New(errkind.IntegrityFailure, "facade.search",
			"no index is currently published"))
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeKindError(w, r, errkind.New(errkind.InvalidInput, "facade.search", "missing q parameter"))
		return
	}
	topK := 8
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			writeKindError(w, r, errkind.New(errkind.InvalidInput, "facade.search", "top_k must be 1..50"))
			return
		}
		topK = n
	}

	hits, err := s.searcher.Search(r.Context(), query, topK)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

type sparqlRequest struct {
	Template string            `json:"template"`
	Args     map[string]string `json:"args"`
}

func (s *Server) handleSPARQL(w http.ResponseWriter, r *http.Request) {
	var req sparqlRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rows, err := s.kgEngine.Query(req.Template, req.Args)
	if err != nil {
		writeKindError(w, r, err)
		return
	}

	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		m := make(map[string]string, len(row))
		for name, term := range row {
			m[name] = term.Value
		}
		out[i] = m
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	rows, err := s.kgEngine.Query("lineage", map[string]string{"section_iri": r.PathValue("id")})
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	if len(rows) == 0 {
		writeKindError(w, r, errkind.New(errkind.NotFound, "facade.lineage",
			"no lineage recorded for this section"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"derived_from": rows[0]["derived_from"].Value,
		"issued":       rows[0]["issued"].Value,
	})
}

type ragRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	if s.ragEng == nil {
		writeKindError(w, r, errkind.New(errkind.IntegrityFailure, "facade.rag",
			"no RAG engine is currently published"))
		return
	}

	caller := callerIdentity(r.Context())
	if s.pdp != nil {
		if _, err := s.pdp.Check(caller.ID, caller.Roles, "rag.query", nil); err != nil {
			writeKindError(w, r, err)
			return
		}
	}

	var req ragRequest
	if !decodeBody(w, r, &req) {
		return
	}

	answer, err := s.ragEng.Query(r.Context(), req.Question)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// decodeBody reads a JSON body under the size cap. A false return means
// the response has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge,
				problemNS+"body_too_large", "Payload Too Large", "Request body exceeds 32 KiB.")
			return false
		}
		writeKindError(w, r, errkind.New(errkind.InvalidInput, "facade.body", "malformed JSON body"))
		return false
	}
	return true
}
