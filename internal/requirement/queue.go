package requirement

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/reqtree/internal/errors"
)

// queueFile is the on-disk shape of a batch queue.
type queueFile struct {
	Requirements []Node `json:"requirements" yaml:"requirements"`
}

// LoadQueue reads a batch queue from a YAML or JSON file. Files ending in
// .json are decoded as JSON; everything else as YAML.
func LoadQueue(path string) ([]Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read queue %s", path)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseQueue(data, format)
}

// ParseQueue decodes a queue document and normalizes it into root nodes.
// Missing IDs are assigned as REQ-001, REQ-002, ... by position. Empty text
// and duplicate IDs are rejected.
func ParseQueue(data []byte, format string) ([]Node, error) {
	var qf queueFile
	switch format {
	case "json":
		if err := sonic.Unmarshal(data, &qf); err != nil {
			return nil, errors.Wrap(err, "decode queue json")
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&qf); err != nil {
			return nil, errors.Wrap(err, "decode queue yaml")
		}
	default:
		return nil, errors.NewValidationError("unsupported queue format").WithField("format").WithValue(format)
	}

	seen := make(map[string]bool, len(qf.Requirements))
	nodes := make([]Node, 0, len(qf.Requirements))
	for i, r := range qf.Requirements {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("requirement %d has empty text", i+1)).
				WithField("text")
		}
		id := strings.TrimSpace(r.ID)
		if id == "" {
			id = fmt.Sprintf("REQ-%03d", i+1)
		}
		if err := CheckRootID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errors.NewValidationError("duplicate requirement id").
				WithField("id").WithValue(id)
		}
		seen[id] = true
		nodes = append(nodes, NewRoot(id, text, strings.TrimSpace(r.Tag)))
	}
	return nodes, nil
}

// FilterByTag keeps the nodes whose tag matches a glob pattern such as
// "security-*" or "{perf,latency}". An empty pattern keeps everything.
func FilterByTag(nodes []Node, pattern string) ([]Node, error) {
	if pattern == "" {
		return nodes, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.NewValidationError("invalid tag pattern").
			WithField("tags").WithValue(pattern)
	}

	var out []Node
	for _, n := range nodes {
		if g.Match(n.Tag) {
			out = append(out, n)
		}
	}
	return out, nil
}
