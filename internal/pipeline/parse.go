package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawMapping mirrors the mapper's JSON schema. Pointer fields distinguish
// "absent" from zero so validation can reject incomplete entries.
type rawMapping struct {
	EvidenceID      *string  `json:"evidence_id"`
	StandardID      *string  `json:"standard_id"`
	ConfidenceScore *float64 `json:"confidence_score"`
	Reasoning       string   `json:"reasoning"`
	Excerpts        []string `json:"excerpts"`
}

type rawMappingBatch struct {
	Mappings          []rawMapping `json:"mappings"`
	UnmappedEvidence  []string     `json:"unmapped_evidence"`
	OverallConfidence float64      `json:"overall_confidence"`
}

type rawCitation struct {
	Sequence   int    `json:"sequence"`
	EvidenceID string `json:"evidence_id"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Page       string `json:"page"`
}

type rawNarrative struct {
	StandardID        string        `json:"standard_id"`
	Title             string        `json:"title"`
	Content           string        `json:"content"`
	Citations         []rawCitation `json:"citations"`
	CompletenessScore *float64      `json:"completeness_score"`
}

type rawGapAdvice struct {
	StandardID      string   `json:"standard_id"`
	Recommendations []string `json:"recommendations"`
}

// extractJSON strips markdown code fences and any prose surrounding the
// first JSON object or array in content.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}

	objStart := strings.IndexAny(content, "{[")
	if objStart < 0 {
		return content
	}

	var closer byte
	if content[objStart] == '{' {
		closer = '}'
	} else {
		closer = ']'
	}
	objEnd := strings.LastIndexByte(content, closer)
	if objEnd <= objStart {
		return content[objStart:]
	}

	return content[objStart : objEnd+1]
}

// parseMappingBatch validates the mapper response. Any mapping missing
// evidence_id, standard_id or confidence_score rejects the whole batch.
func parseMappingBatch(content string) (*rawMappingBatch, error) {
	var batch rawMappingBatch
	if err := json.Unmarshal([]byte(extractJSON(content)), &batch); err != nil {
		return nil, fmt.Errorf("%w: mapper response is not valid JSON: %v", ErrMalformedAgentOutput, err)
	}

	for i, m := range batch.Mappings {
		if m.EvidenceID == nil || *m.EvidenceID == "" {
			return nil, fmt.Errorf("%w: mapping %d missing evidence_id", ErrMalformedAgentOutput, i)
		}
		if m.StandardID == nil || *m.StandardID == "" {
			return nil, fmt.Errorf("%w: mapping %d missing standard_id", ErrMalformedAgentOutput, i)
		}
		if m.ConfidenceScore == nil {
			return nil, fmt.Errorf("%w: mapping %d missing confidence_score", ErrMalformedAgentOutput, i)
		}
	}

	return &batch, nil
}

// parseNarrative attempts the structured narrator schema. A nil result
// with nil error means the response was plain prose and the caller should
// fall back to synthesizing citations.
func parseNarrative(content string) (*rawNarrative, error) {
	extracted := extractJSON(content)
	if !strings.HasPrefix(extracted, "{") {
		return nil, nil
	}

	var narrative rawNarrative
	if err := json.Unmarshal([]byte(extracted), &narrative); err != nil {
		return nil, nil
	}
	if narrative.Content == "" {
		return nil, nil
	}

	return &narrative, nil
}

// parseGapAdvice parses the optional remediation response. Errors are not
// fatal; the gap finder keeps its rule-based recommendations.
func parseGapAdvice(content string) ([]rawGapAdvice, error) {
	var advice []rawGapAdvice
	if err := json.Unmarshal([]byte(extractJSON(content)), &advice); err != nil {
		return nil, fmt.Errorf("%w: gap advice is not valid JSON: %v", ErrMalformedAgentOutput, err)
	}
	return advice, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
