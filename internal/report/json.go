package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

// writeJSON writes the outcomes as an indented JSON array for tooling that
// wants the results without scraping the HTML.
func writeJSON(path string, results []supervisor.Outcome) error {
	if results == nil {
		results = []supervisor.Outcome{}
	}
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
