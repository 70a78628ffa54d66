package definition

import (
	"fmt"
	"os"
	"sort"

	"github.com/meikuraledutech/jobdag"
	"gopkg.in/yaml.v3"
)

type fieldSet struct {
	required []string
	optional []string
}

func (f fieldSet) allows(key string) bool {
	for _, k := range f.required {
		if k == key {
			return true
		}
	}
	for _, k := range f.optional {
		if k == key {
			return true
		}
	}
	return false
}

var workloadOptional = []string{"type", "depends_on", "environment", "timeout", "cluster", "repository"}

var kindFields = map[jobdag.Kind]fieldSet{
	jobdag.KindDocker: {
		required: []string{"name", "docker_file", "resources"},
		optional: append([]string{"build_context", "build_only", "build_arguments"}, workloadOptional...),
	},
	jobdag.KindDockerImage: {
		required: []string{"name", "image", "resources"},
		optional: append([]string{"command", "run"}, workloadOptional...),
	},
	jobdag.KindDockerCompose: {
		required: []string{"name", "docker_compose_file", "resources"},
		optional: workloadOptional,
	},
	jobdag.KindWait: {
		required: []string{"name"},
		optional: []string{"type", "depends_on"},
	},
	jobdag.KindWorkflow: {
		required: []string{"name", "definition_file"},
		optional: []string{"type", "depends_on", "environment"},
	},
	jobdag.KindGit: {
		required: []string{"name", "clone_url", "commit"},
		optional: []string{"type", "definition_file", "branch", "depends_on", "environment"},
	},
}

// ParseFile reads and parses a document from disk.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a JSON or YAML document and validates it.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, jobdag.Validationf("Invalid document: %v", err)
	}
	top, _, err := mapping(&root)
	if err != nil {
		return nil, jobdag.Validationf("Invalid document: %v", err)
	}
	for key := range top {
		if key != "version" && key != "jobs" {
			return nil, jobdag.Validationf("Invalid document: unknown field '%s'", key)
		}
	}

	doc := &Document{}
	versionNode, ok := top["version"]
	if !ok {
		return nil, jobdag.Validationf("Invalid document: missing field 'version'")
	}
	if err := versionNode.Decode(&doc.Version); err != nil || doc.Version != 1 {
		return nil, jobdag.Validationf("Unsupported version '%s'", versionNode.Value)
	}

	jobsNode, ok := top["jobs"]
	if !ok || jobsNode.Kind != yaml.SequenceNode {
		return nil, jobdag.Validationf("Invalid document: 'jobs' must be a list")
	}
	for i, item := range jobsNode.Content {
		n, err := decodeNode(i, item)
		if err != nil {
			return nil, err
		}
		doc.Jobs = append(doc.Jobs, n)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeNode(idx int, item *yaml.Node) (Node, error) {
	fields, keys, err := mapping(item)
	if err != nil {
		return nil, jobdag.Validationf("Job #%d: %v", idx, err)
	}

	name := fmt.Sprintf("#%d", idx)
	if n, ok := fields["name"]; ok && n.Kind == yaml.ScalarNode {
		name = n.Value
	}
	typeNode, ok := fields["type"]
	if !ok {
		return nil, jobdag.Validationf("Job '%s': missing required field 'type'", name)
	}
	kind := jobdag.Kind(typeNode.Value)
	set, ok := kindFields[kind]
	if !ok {
		return nil, jobdag.Validationf("Job '%s': unsupported type '%s'", name, typeNode.Value)
	}
	for _, key := range keys {
		if !set.allows(key) {
			return nil, jobdag.Validationf("Job '%s': unknown field '%s'", name, key)
		}
	}
	for _, key := range set.required {
		if _, ok := fields[key]; !ok {
			return nil, jobdag.Validationf("Job '%s': missing required field '%s'", name, key)
		}
	}

	var n Node
	switch kind {
	case jobdag.KindDocker:
		n = &DockerNode{}
	case jobdag.KindDockerImage:
		n = &DockerImageNode{}
	case jobdag.KindDockerCompose:
		n = &DockerComposeNode{}
	case jobdag.KindWait:
		n = &WaitNode{}
	case jobdag.KindWorkflow:
		n = &WorkflowNode{}
	case jobdag.KindGit:
		n = &GitNode{}
	}
	if err := item.Decode(n); err != nil {
		return nil, jobdag.Validationf("Job '%s': %v", name, err)
	}
	return n, nil
}

// mapping returns the key/value pairs of a mapping node and its keys in
// sorted order.
func mapping(n *yaml.Node) (map[string]*yaml.Node, []string, error) {
	if n.Kind == yaml.DocumentNode && len(n.Content) == 1 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("expected an object")
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if _, dup := out[key]; dup {
			return nil, nil, fmt.Errorf("duplicate field '%s'", key)
		}
		out[key] = n.Content[i+1]
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return out, keys, nil
}
