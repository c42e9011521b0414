// Package align loads pre-computed audio alignment spans. Alignment itself
// (forced alignment, SMIL extraction) is produced upstream; this package
// only reads and validates the interchange file.
package align

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"rab/bundle"
)

// SchemaVersion of the spans interchange file.
const SchemaVersion = 1

type spansFile struct {
	SchemaVersion int           `json:"schemaVersion"`
	Spans         []bundle.Span `json:"spans"`
}

// LoadSpans reads an alignment file and returns validated spans in file
// order. Span ids must be unique; timing must be well-formed.
func LoadSpans(path string, log *zap.Logger) ([]bundle.Span, error) {
	if log == nil {
		log = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read alignment file: %w", err)
	}

	var f spansFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unable to parse alignment file %s: %w", path, err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("alignment file %s: schema version mismatch: got %d, want %d", path, f.SchemaVersion, SchemaVersion)
	}

	seen := make(map[string]struct{}, len(f.Spans))
	for i, s := range f.Spans {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("alignment file %s: span %d: %w", path, i, err)
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("alignment file %s: duplicate span id %q", path, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	log.Debug("Loaded alignment spans", zap.String("path", path), zap.Int("spans", len(f.Spans)))
	return f.Spans, nil
}
