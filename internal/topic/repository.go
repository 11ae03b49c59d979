package topic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loykin/gatewarden/internal/store"
)

// FileRepository keeps state in a JSON file. A missing file is a fresh state.
type FileRepository struct {
	Path string
}

func (f *FileRepository) Load() (State, error) {
	b, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return State{}, err
	}
	st := NewState()
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	if st.LastStudied == nil {
		st.LastStudied = map[string]time.Time{}
	}
	return st, nil
}

func (f *FileRepository) Save(st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(f.Path, bytes.NewReader(append(b, '\n')), 0o600)
}
