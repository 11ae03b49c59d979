package topic

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads topics from the first existing file in paths, so a copy kept in
// the durable store can shadow the built-in default. TOML, YAML and JSON are
// accepted; the file holds a "topics" list.
func Load(paths ...string) ([]Topic, string, error) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		topics, err := loadFile(p)
		return topics, p, err
	}
	return nil, "", fmt.Errorf("%w: no topics file found in %v", ErrConfig, paths)
}

func loadFile(path string) ([]Topic, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	var topics []Topic
	if err := v.UnmarshalKey("topics", &topics); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}
	return topics, Validate(topics)
}

// Validate rejects empty lists, blank or duplicate names and topics without queries.
func Validate(topics []Topic) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}
	seen := map[string]bool{}
	for i, t := range topics {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("%w: topic %d has no name", ErrConfig, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate topic %q", ErrConfig, name)
		}
		seen[name] = true
		if len(t.Queries) == 0 {
			return fmt.Errorf("%w: topic %q has no queries", ErrConfig, name)
		}
	}
	return nil
}
