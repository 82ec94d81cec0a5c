package lnstack

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type composeFile struct {
	Name     string                    `yaml:"name,omitempty"`
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image           string     `yaml:"image"`
	Command         stringList `yaml:"command,omitempty"`
	Environment     envMap     `yaml:"environment,omitempty"`
	Ports           []string   `yaml:"ports,omitempty"`
	Volumes         []string   `yaml:"volumes,omitempty"`
	DependsOn       stringList `yaml:"depends_on,omitempty"`
	Restart         string     `yaml:"restart,omitempty"`
	StopGracePeriod string     `yaml:"stop_grace_period,omitempty"`
}

// stringList accepts both the list and the single string form.
type stringList []string

func (l *stringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*l = strings.Fields(s)
	return nil
}

// envMap accepts both the mapping and the KEY=VALUE list form.
type envMap map[string]string

func (m *envMap) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var mapping map[string]string
	if err := unmarshal(&mapping); err == nil {
		*m = mapping
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	out := make(envMap, len(list))
	for _, kv := range list {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	*m = out
	return nil
}

// Render encodes the stack as a compose file.
func Render(stack *Stack) ([]byte, error) {
	file := composeFile{
		Name:     stack.Name,
		Services: make(map[string]composeService, len(stack.Services)),
	}

	for _, svc := range stack.Services {
		if _, dup := file.Services[svc.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", svc.Name)
		}

		cs := composeService{
			Image:       svc.Image,
			Command:     svc.Command,
			Environment: svc.Environment,
			DependsOn:   svc.DependsOn,
			Restart:     svc.Restart,
		}
		for _, p := range svc.Ports {
			cs.Ports = append(cs.Ports, p.String())
		}
		for _, v := range svc.Volumes {
			cs.Volumes = append(cs.Volumes, v.String())
		}
		if svc.StopGracePeriod > 0 {
			cs.StopGracePeriod = svc.StopGracePeriod.String()
		}
		file.Services[svc.Name] = cs
	}

	return yaml.Marshal(&file)
}

// Load decodes a compose file. Services come back sorted by name. A
// missing stop_grace_period loads as 0; Render omits a 0 the same way, so
// it maps to compose's own default of 10s either way.
func Load(data []byte) (*Stack, error) {
	var file composeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode compose file: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("compose file defines no services")
	}

	names := make([]string, 0, len(file.Services))
	for name := range file.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	stack := &Stack{Name: file.Name}
	for _, name := range names {
		cs := file.Services[name]
		svc := &Service{
			Name:        name,
			Image:       cs.Image,
			Command:     cs.Command,
			Environment: cs.Environment,
			DependsOn:   cs.DependsOn,
			Restart:     cs.Restart,
		}

		for _, p := range cs.Ports {
			pm, err := ParsePortMapping(p)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			svc.Ports = append(svc.Ports, pm)
		}
		for _, v := range cs.Volumes {
			vol, err := ParseVolume(v)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			svc.Volumes = append(svc.Volumes, vol)
		}
		if cs.StopGracePeriod != "" {
			d, err := time.ParseDuration(cs.StopGracePeriod)
			if err != nil {
				return nil, fmt.Errorf("service %s: stop_grace_period: %w", name, err)
			}
			svc.StopGracePeriod = d
		}

		stack.Services = append(stack.Services, svc)
	}

	return stack, nil
}

func LoadFile(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

func WriteFile(path string, stack *Stack) error {
	data, err := Render(stack)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
