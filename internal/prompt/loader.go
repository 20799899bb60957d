package prompt

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"promptsmith/internal/logging"
)

// LoadResult is everything parsed from one or more fragment files.
type LoadResult struct {
	Fragments  []*Fragment
	Composites []*CompositeTemplate
	Files      []string

	// Skipped holds the errors for definitions that were dropped.
	Skipped []error
}

func (r *LoadResult) merge(other *LoadResult) {
	r.Fragments = append(r.Fragments, other.Fragments...)
	r.Composites = append(r.Composites, other.Composites...)
	r.Files = append(r.Files, other.Files...)
	r.Skipped = append(r.Skipped, other.Skipped...)
}

// Composite returns the composite template with the given name.
func (r *LoadResult) Composite(name string) (*CompositeTemplate, bool) {
	for _, c := range r.Composites {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// yamlDocument is the keyed form of a fragment file.
type yamlDocument struct {
	Fragments  []yamlFragmentDefinition `yaml:"fragments"`
	Composites []*CompositeTemplate     `yaml:"composites"`
}

// yamlFragmentDefinition is the authored form of a fragment.
type yamlFragmentDefinition struct {
	ID          string `yaml:"id,omitempty"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`

	Content     string `yaml:"content,omitempty"`
	ContentFile string `yaml:"content_file,omitempty"`

	Variables  []Variable  `yaml:"variables,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty"`
	Priority   int         `yaml:"priority"`

	// Active defaults to true when omitted.
	Active    *bool  `yaml:"active,omitempty"`
	VersionID string `yaml:"version_id,omitempty"`

	// History lists earlier versions, oldest first.
	History []VersionSnapshot `yaml:"history,omitempty"`
}

// LoadFile parses one YAML file. The file may hold a single fragment, a list
// of fragments, or a document with `fragments:` and `composites:` keys.
// Invalid fragment definitions are logged and reported in Skipped.
func LoadFile(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	res, err := ParseYAML(data, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	logging.StoreDebug("Parsed %d fragments and %d composites from %s",
		len(res.Fragments), len(res.Composites), filepath.Base(path))
	return res, nil
}

// LoadDir recursively loads every .yaml/.yml file under dir in lexical order.
// Unreadable files are skipped with a warning; a fragment name defined twice
// keeps the first definition.
func LoadDir(dir string) (*LoadResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadDir")
	defer timer.Stop()

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk directory %s", dir)
	}
	sort.Strings(paths)

	total := &LoadResult{}
	for _, path := range paths {
		res, loadErr := LoadFile(path)
		if loadErr != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to load %s: %v", path, loadErr)
			total.Skipped = append(total.Skipped, loadErr)
			continue
		}
		total.merge(res)
	}
	total.Fragments, total.Skipped = dedupeFragments(total.Fragments, total.Skipped)

	logging.Get(logging.CategoryStore).Info("Loaded %d fragments and %d composites from %d files in %s",
		len(total.Fragments), len(total.Composites), len(total.Files), dir)
	return total, nil
}

// ParseYAML parses fragment definitions from data. sourcePath resolves
// content_file references and may be empty.
func ParseYAML(data []byte, sourcePath string) (*LoadResult, error) {
	var raws []yamlFragmentDefinition
	var composites []*CompositeTemplate

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	res := &LoadResult{}
	if sourcePath != "" {
		res.Files = []string{sourcePath}
	}
	if len(root.Content) == 0 {
		return res, nil
	}

	doc := root.Content[0]
	switch {
	case doc.Kind == yaml.SequenceNode:
		if err := doc.Decode(&raws); err != nil {
			return nil, err
		}
	case doc.Kind == yaml.MappingNode && isKeyedDocument(doc):
		var keyed yamlDocument
		if err := doc.Decode(&keyed); err != nil {
			return nil, err
		}
		raws = keyed.Fragments
		composites = keyed.Composites
	case doc.Kind == yaml.MappingNode:
		var single yamlFragmentDefinition
		if err := doc.Decode(&single); err != nil {
			return nil, err
		}
		raws = []yamlFragmentDefinition{single}
	default:
		return nil, errors.Newf("unexpected YAML node kind %d", doc.Kind)
	}

	for _, raw := range raws {
		f, err := convertYAMLFragment(raw, sourcePath)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Skipping invalid fragment in %s: %v", sourcePath, err)
			res.Skipped = append(res.Skipped, err)
			continue
		}
		res.Fragments = append(res.Fragments, f)
	}
	for _, c := range composites {
		if c == nil || c.Name == "" {
			err := &ValidationError{Subject: "composite", Field: "name", Reason: "name is required"}
			res.Skipped = append(res.Skipped, err)
			continue
		}
		res.Composites = append(res.Composites, c)
	}
	return res, nil
}

func isKeyedDocument(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "fragments", "composites":
			return true
		}
	}
	return false
}

// convertYAMLFragment turns a definition into a sealed, validated fragment.
func convertYAMLFragment(raw yamlFragmentDefinition, sourcePath string) (*Fragment, error) {
	if raw.Name == "" {
		return nil, &ValidationError{Subject: "fragment", Field: "name", Reason: "name is required"}
	}

	content := raw.Content
	if raw.ContentFile != "" && content == "" {
		contentPath := raw.ContentFile
		if !filepath.IsAbs(contentPath) && sourcePath != "" {
			contentPath = filepath.Join(filepath.Dir(sourcePath), raw.ContentFile)
		}
		data, err := os.ReadFile(contentPath)
		if err != nil {
			return nil, errors.Wrapf(err, "fragment %s: failed to read content file %s", raw.Name, raw.ContentFile)
		}
		content = string(data)
	}

	active := true
	if raw.Active != nil {
		active = *raw.Active
	}

	f := &Fragment{
		ID:          raw.ID,
		Name:        raw.Name,
		Type:        FragmentType(strings.ToLower(strings.TrimSpace(raw.Type))),
		Description: raw.Description,
		Content:     content,
		Variables:   raw.Variables,
		Conditions:  raw.Conditions,
		Priority:    raw.Priority,
		IsActive:    active,
	}

	seen := make(map[string]bool, len(raw.History))
	for _, h := range raw.History {
		if h.VersionID == "" {
			return nil, &ValidationError{Subject: raw.Name, Field: "history", Reason: "version_id is required"}
		}
		if seen[h.VersionID] {
			return nil, &ValidationError{Subject: raw.Name, Field: "history", Reason: "duplicate version_id " + h.VersionID}
		}
		seen[h.VersionID] = true
		f.VersionHistory = append(f.VersionHistory, h)
	}
	if raw.VersionID != "" && seen[raw.VersionID] {
		return nil, &ValidationError{Subject: raw.Name, Field: "version_id", Reason: "live version_id repeats a history entry"}
	}

	versionID := raw.VersionID
	if versionID == "" {
		versionID = contentVersionID(content)
	}
	f.Seal(versionID)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	for _, w := range f.Lint() {
		logging.Get(logging.CategoryStore).Warn("%s", w)
	}
	return f, nil
}

func dedupeFragments(fragments []*Fragment, skipped []error) ([]*Fragment, []error) {
	seen := make(map[string]bool, len(fragments))
	out := fragments[:0]
	for _, f := range fragments {
		if seen[f.Name] {
			skipped = append(skipped, &ValidationError{Subject: f.Name, Field: "name", Reason: "duplicate fragment name"})
			logging.Get(logging.CategoryStore).Warn("Duplicate fragment %s ignored", f.Name)
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out, skipped
}

// contentVersionID derives a stable version id from content so that reloading
// an unchanged file keeps the ids experiments refer to.
func contentVersionID(content string) string {
	sum := HashContent(content)
	if len(sum) > 12 {
		sum = sum[:12]
	}
	return "c-" + sum
}
