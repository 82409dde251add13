// Package extract turns segmented section text into structured item data via
// the routed LLM providers.
package extract

import (
	_ "embed"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/frandata/fddpipe/internal/model"
)

//go:embed prompts.yaml
var promptManifest []byte

// GenericSchemaVersion tags the payload shape for items without a normalized
// schema.
const GenericSchemaVersion = "generic-v1"

// promptDef is one prompt definition in the manifest. Item entries inherit
// the default system prompt when they omit their own.
type promptDef struct {
	System   string `yaml:"system"`
	Template string `yaml:"template"`
}

type manifest struct {
	Version string            `yaml:"version"`
	Default promptDef         `yaml:"default"`
	Items   map[int]promptDef `yaml:"items"`
}

// PromptSet holds the parsed, versioned prompt templates.
type PromptSet struct {
	version string
	system  map[int]string
	tmpl    map[int]*template.Template
	defSys  string
	defTmpl *template.Template
}

// Doc is the document-level context rendered into every prompt.
type Doc struct {
	FDDID          string
	FranchisorName string
	IssueYear      int
}

// promptData is the template input.
type promptData struct {
	ItemNo         int
	ItemTitle      string
	SchemaVersion  string
	FranchisorName string
	IssueYear      int
	SectionText    string
}

// LoadPrompts parses the embedded manifest.
func LoadPrompts() (*PromptSet, error) {
	return parsePrompts(promptManifest)
}

func parsePrompts(raw []byte) (*PromptSet, error) {
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrap(err, "extract: parse prompt manifest")
	}
	if m.Version == "" {
		return nil, eris.New("extract: prompt manifest missing version")
	}
	if m.Default.Template == "" {
		return nil, eris.New("extract: prompt manifest missing default template")
	}

	ps := &PromptSet{
		version: m.Version,
		system:  make(map[int]string, len(m.Items)),
		tmpl:    make(map[int]*template.Template, len(m.Items)),
		defSys:  m.Default.System,
	}

	var err error
	ps.defTmpl, err = template.New("default").Parse(m.Default.Template)
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse default template")
	}

	for item, def := range m.Items {
		if def.Template == "" {
			return nil, eris.Errorf("extract: item %d prompt missing template", item)
		}
		t, err := template.New("item").Parse(def.Template)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: parse item %d template", item)
		}
		ps.tmpl[item] = t
		sys := def.System
		if sys == "" {
			sys = m.Default.System
		}
		ps.system[item] = sys
	}
	return ps, nil
}

// Version returns the manifest version recorded in extraction metadata.
func (p *PromptSet) Version() string { return p.version }

// Render produces the system and user prompts for one section.
func (p *PromptSet) Render(itemNo int, doc Doc, sectionText string) (system, prompt string, err error) {
	data := promptData{
		ItemNo:         itemNo,
		ItemTitle:      model.ItemTitles[itemNo],
		SchemaVersion:  GenericSchemaVersion,
		FranchisorName: doc.FranchisorName,
		IssueYear:      doc.IssueYear,
		SectionText:    sectionText,
	}

	t, ok := p.tmpl[itemNo]
	system = p.system[itemNo]
	if !ok {
		t = p.defTmpl
		system = p.defSys
	}

	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", "", eris.Wrapf(err, "extract: render item %d prompt", itemNo)
	}
	return system, b.String(), nil
}
