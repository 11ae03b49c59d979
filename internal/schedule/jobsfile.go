package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/loykin/gatewarden/internal/store"
)

type jobsDoc struct {
	Jobs []Job `json:"jobs"`
}

// LoadJobs reads persisted job definitions. A missing file yields no jobs
// and no error.
func LoadJobs(path string) ([]Job, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc jobsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Jobs, nil
}

// SaveJobs writes jobs sorted by name so unchanged sets produce identical files.
func SaveJobs(path string, jobs []Job) error {
	sorted := append([]Job(nil), jobs...)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].Name < sorted[k].Name })
	b, err := json.MarshalIndent(jobsDoc{Jobs: sorted}, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, bytes.NewReader(append(b, '\n')), 0o600)
}
