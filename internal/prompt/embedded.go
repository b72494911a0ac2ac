package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"novelloop/internal/logging"
)

// embeddedAtoms contains all YAML files from atoms/ baked into the binary.
//
//go:embed atoms
var embeddedAtoms embed.FS

// embeddedYAMLAtom matches the YAML structure in atoms/*.yaml.
type embeddedYAMLAtom struct {
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	Description string `yaml:"description,omitempty"`
	Priority    int    `yaml:"priority"`
	IsMandatory bool   `yaml:"is_mandatory"`
	Content     string `yaml:"content"`
}

// EmbeddedCorpus is the set of atoms loaded from the binary.
type EmbeddedCorpus struct {
	atoms      map[string]*PromptAtom
	byCategory map[AtomCategory][]*PromptAtom
}

// LoadEmbeddedCorpus parses every atom in atoms/. Unlike a runtime corpus,
// a broken embedded atom is a build defect, so any error fails the load.
func LoadEmbeddedCorpus() (*EmbeddedCorpus, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "LoadEmbeddedCorpus")
	defer timer.Stop()

	var all []*PromptAtom
	err := fs.WalkDir(embeddedAtoms, "atoms", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		atoms, err := parseEmbeddedYAML(path)
		if err != nil {
			return err
		}
		all = append(all, atoms...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded atoms: %w", err)
	}

	logging.BootDebug("Loaded %d prompt atoms from embedded corpus", len(all))
	return NewEmbeddedCorpus(all)
}

// MustLoadEmbeddedCorpus loads the embedded corpus and panics on error.
func MustLoadEmbeddedCorpus() *EmbeddedCorpus {
	corpus, err := LoadEmbeddedCorpus()
	if err != nil {
		panic(fmt.Sprintf("failed to load embedded corpus: %v", err))
	}
	return corpus
}

func parseEmbeddedYAML(path string) ([]*PromptAtom, error) {
	data, err := embeddedAtoms.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded file: %w", err)
	}

	var raw []embeddedYAMLAtom
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
	}

	atoms := make([]*PromptAtom, 0, len(raw))
	for _, r := range raw {
		atom, err := NewPromptAtom(r.ID, AtomCategory(r.Category), r.Content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		atom.Description = r.Description
		atom.Priority = r.Priority
		atom.IsMandatory = r.IsMandatory
		if err := atom.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

// NewEmbeddedCorpus indexes atoms by ID and category. Duplicate IDs are rejected.
func NewEmbeddedCorpus(atoms []*PromptAtom) (*EmbeddedCorpus, error) {
	c := &EmbeddedCorpus{
		atoms:      make(map[string]*PromptAtom, len(atoms)),
		byCategory: make(map[AtomCategory][]*PromptAtom),
	}
	for _, a := range atoms {
		if _, dup := c.atoms[a.ID]; dup {
			return nil, fmt.Errorf("duplicate atom ID %q", a.ID)
		}
		c.atoms[a.ID] = a
		c.byCategory[a.Category] = append(c.byCategory[a.Category], a)
	}
	for _, list := range c.byCategory {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
	}
	return c, nil
}

// Count returns the number of atoms.
func (c *EmbeddedCorpus) Count() int { return len(c.atoms) }

// Get returns the atom with the given ID.
func (c *EmbeddedCorpus) Get(id string) (*PromptAtom, bool) {
	a, ok := c.atoms[id]
	return a, ok
}

// Render renders one atom by ID.
func (c *EmbeddedCorpus) Render(id string, data any) (string, error) {
	a, ok := c.atoms[id]
	if !ok {
		return "", fmt.Errorf("unknown prompt atom %q", id)
	}
	return a.Render(data)
}

// Assemble renders every atom of a category in priority order and joins the
// non-empty results with blank lines.
func (c *EmbeddedCorpus) Assemble(category AtomCategory, data any) (string, error) {
	list := c.byCategory[category]
	if len(list) == 0 {
		return "", fmt.Errorf("no prompt atoms in category %q", category)
	}
	parts := make([]string, 0, len(list))
	for _, a := range list {
		s, err := a.Render(data)
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
