package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meikuraledutech/jobdag"
	"gopkg.in/yaml.v3"
)

// Cluster is one entry of the cluster file.
type Cluster struct {
	Name           string   `yaml:"name"`
	Kubeconfig     string   `yaml:"kubeconfig"`
	Context        string   `yaml:"context"`
	Labels         []string `yaml:"labels"`
	CPUCapacity    float64  `yaml:"cpu_capacity"`
	MemoryCapacity int64    `yaml:"memory_capacity"`
	Enabled        *bool    `yaml:"enabled"`
}

// Directory converts the entry to the form stored in the cluster
// directory. Clusters from the file are active; they are enabled unless the
// file says otherwise.
func (c Cluster) Directory() jobdag.Cluster {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return jobdag.Cluster{
		Name:           c.Name,
		Labels:         append([]string(nil), c.Labels...),
		CPUCapacity:    c.CPUCapacity,
		MemoryCapacity: c.MemoryCapacity,
		Active:         true,
		Enabled:        enabled,
	}
}

type clusterFile struct {
	Clusters []Cluster `yaml:"clusters"`
}

// LoadClusters reads a YAML document of the form
//
//	clusters:
//	  - name: east
//	    kubeconfig: /etc/jobdag/clusters.yaml
//	    context: east
//	    labels: [default]
//	    cpu_capacity: 32
//	    memory_capacity: 65536
func LoadClusters(path string) ([]Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobdag: read %s: %w", path, err)
	}
	return ParseClusters(data)
}

func ParseClusters(data []byte) ([]Cluster, error) {
	var file clusterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobdag: decode clusters: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Clusters))
	for i, c := range file.Clusters {
		if c.Name == "" {
			return nil, fmt.Errorf("jobdag: cluster %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("jobdag: cluster %q listed twice", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.CPUCapacity < 0 || c.MemoryCapacity < 0 {
			return nil, fmt.Errorf("jobdag: cluster %q has negative capacity", c.Name)
		}
	}
	return file.Clusters, nil
}
