package definition

import (
	"fmt"

	"github.com/meikuraledutech/jobdag"
	"gopkg.in/yaml.v3"
)

// ConditionAll is the condition alias for every terminal state.
const ConditionAll = "*"

// DependsOn is one entry of a job's depends_on list. A bare name in the
// document decodes to {job: name, on: [finished]}.
type DependsOn struct {
	Job string   `yaml:"job" json:"job"`
	On  []string `yaml:"on" json:"on"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (d *DependsOn) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.Job = value.Value
		d.On = []string{string(jobdag.StateFinished)}
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: dependency must be a job name or an object", value.Line)
	}
	type plain DependsOn
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DependsOn(p)
	return nil
}

// States returns the condition set with `*` expanded, in canonical order.
func (d DependsOn) States() []jobdag.State {
	want := make(map[jobdag.State]struct{}, len(d.On))
	for _, on := range d.On {
		if on == ConditionAll {
			for _, s := range jobdag.TerminalStates {
				want[s] = struct{}{}
			}
			continue
		}
		want[jobdag.State(on)] = struct{}{}
	}
	out := make([]jobdag.State, 0, len(want))
	for _, s := range jobdag.TerminalStates {
		if _, ok := want[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func validCondition(on string) bool {
	if on == ConditionAll {
		return true
	}
	return jobdag.State(on).Terminal()
}
