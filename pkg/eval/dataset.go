// Package eval implements the offline evaluation harness: functional
// requirement coverage over a question dataset, grounding checks against the
// active corpus, and batch RAG runs with label accuracy. Every report is a
// JSON-serializable summary suitable for CI consumption.
package eval

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Case is one evaluation question with its ground truth.
type Case struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ExpectedLabel string   `json:"expected_label"`
	EARSections   []string `json:"ear_sections,omitempty"`
	FRIDs         []string `json:"fr_ids,omitempty"`
}

// Dataset is an ordered collection of evaluation cases.
type Dataset struct {
	Name  string `json:"name"`
	Cases []Case `json:"cases"`
}

// LoadDataset reads a JSONL dataset: one case per line, UTF-8, LF.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "eval.dataset", err)
	}
	defer f.Close()

	ds := &Dataset{Name: path}
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var c Case
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, errkind.New(errkind.InvalidInput, "eval.dataset",
				"line %d: malformed case record", line)
		}
		if c.ID == "" || c.Question == "" {
			return nil, errkind.New(errkind.InvalidInput, "eval.dataset",
				"line %d: id and question are required", line)
		}
		if seen[c.ID] {
			return nil, errkind.New(errkind.Conflict, "eval.dataset",
				"line %d: duplicate case id %s", line, c.ID)
		}
		seen[c.ID] = true
		ds.Cases = append(ds.Cases, c)
	}
	if err := sc.Err(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "eval.dataset", err)
	}
	if len(ds.Cases) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "eval.dataset", "dataset is empty")
	}
	return ds, nil
}

// CoverageReport summarizes functional-requirement coverage of a dataset.
type CoverageReport struct {
	OK       bool     `json:"ok"`
	Required []string `json:"required"`
	Covered  []string `json:"covered"`
	Missing  []string `json:"missing,omitempty"`
}

// FRCoverage checks that every required functional-requirement id is
// exercised by at least one dataset case.
func FRCoverage(ds *Dataset, required []string) *CoverageReport {
	tagged := make(map[string]bool)
	for _, c := range ds.Cases {
		for _, fr := range c.FRIDs {
			tagged[fr] = true
		}
	}

	rep := &CoverageReport{Required: append([]string(nil), required...)}
	sort.Strings(rep.Required)
	for _, fr := range rep.Required {
		if tagged[fr] {
			rep.Covered = append(rep.Covered, fr)
		} else {
			rep.Missing = append(rep.Missing, fr)
		}
	}
	rep.OK = len(rep.Missing) == 0
	return rep
}
