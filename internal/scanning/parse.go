package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseFieldsJSON parses the free-text JSON answer of an LLM backend
func parseFieldsJSON(text string) (*Fields, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var resp extractionResponse
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return &Fields{
		Vendor:   strings.TrimSpace(string(resp.Vendor)),
		Total:    strings.TrimSpace(string(resp.Total)),
		Date:     strings.TrimSpace(string(resp.Date)),
		Category: strings.TrimSpace(string(resp.Category)),
	}, nil
}
