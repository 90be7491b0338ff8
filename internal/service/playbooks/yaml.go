package playbooks

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// Document is the YAML authoring format of a playbook.
//
//	id: product-recall
//	name: Product recall
//	category: crisis
//	trigger_condition: 'severity >= 4 && kind == "recall"'
//	steps:
//	  - position: 1
//	    type: generate-content
//	    parameters:
//	      prompt: "Holding statement for {{product}}"
//	  - position: 2
//	    type: approval-required
type Document struct {
	ID               string                    `yaml:"id"`
	Name             string                    `yaml:"name"`
	Category         string                    `yaml:"category,omitempty"`
	TriggerCondition string                    `yaml:"trigger_condition,omitempty"`
	Steps            []domain.PlaybookStepSpec `yaml:"steps"`
}

func (d Document) Definition() domain.PlaybookDefinition {
	return normalize(domain.PlaybookDefinition{
		ID:               d.ID,
		Name:             d.Name,
		Category:         d.Category,
		TriggerCondition: d.TriggerCondition,
		Steps:            d.Steps,
	})
}

// ParseYAML decodes a single playbook document. Unknown fields are rejected.
// The result is not validated; Create and Update do that.
func ParseYAML(input []byte) (domain.PlaybookDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.PlaybookDefinition{}, domain.InvalidPlaybookError("playbook document is empty")
		}
		return domain.PlaybookDefinition{}, domain.InvalidPlaybookError("decode playbook: %v", err)
	}
	return doc.Definition(), nil
}

// MarshalYAML renders def in the authoring format.
func MarshalYAML(def domain.PlaybookDefinition) ([]byte, error) {
	doc := Document{
		ID:               def.ID,
		Name:             def.Name,
		Category:         def.Category,
		TriggerCondition: def.TriggerCondition,
		Steps:            def.SortedSteps(),
	}
	return yaml.Marshal(doc)
}
