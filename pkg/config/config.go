// Package config loads and validates lab configuration documents: the device
// catalogue with per-device capacities and constraints, plus the kind-to-class
// translation table carried through for external tooling.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/plateworks/conductor/pkg/types"
)

// kindNames maps the plural section names of the lab document to device kinds.
var kindNames = map[string]types.DeviceKind{
	"incubators":      types.DeviceKindIncubator,
	"plate_readers":   types.DeviceKindPlateReader,
	"liquid_handlers": types.DeviceKindLiquidHandler,
	"movers":          types.DeviceKindMover,
	"centrifuges":     types.DeviceKindCentrifuge,
	"storage":         types.DeviceKindStorage,
}

// Lab is the parsed lab configuration document.
type Lab struct {
	Description string
	Devices     []*types.Device
	// Translation maps device kinds to the resource class names consumed by
	// the external process parser. The core only carries it through.
	Translation map[types.DeviceKind]string
}

// Device returns the device with the given name, or nil.
func (l *Lab) Device(name string) *types.Device {
	for _, d := range l.Devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// rawLab mirrors the document shape for decoding.
type rawLab struct {
	Description string                          `yaml:"description"`
	Devices     map[string]map[string]yaml.Node `yaml:"devices"`
	Translation map[string]string               `yaml:"translation"`
}

type rawDevice struct {
	Capacity        *int  `yaml:"capacity"`
	ProcessCapacity *int  `yaml:"process_capacity"`
	MinCapacity     *int  `yaml:"min_capacity"`
	AllowsOverlap   *bool `yaml:"allows_overlap"`
	DeepWellSlots   []int `yaml:"deep_well_slots"`
}

// deviceKeys are the recognized per-device keys; everything else is collected
// into the device's custom parameter bag.
var deviceKeys = map[string]bool{
	"capacity":         true,
	"process_capacity": true,
	"min_capacity":     true,
	"allows_overlap":   true,
	"deep_well_slots":  true,
}

// Load reads and validates a lab configuration file.
func Load(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Msg: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse parses and validates a lab configuration document.
func Parse(data []byte) (*Lab, error) {
	var raw rawLab
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &types.ConfigError{Msg: fmt.Sprintf("invalid yaml: %v", err)}
	}

	lab := &Lab{
		Description: raw.Description,
		Translation: make(map[types.DeviceKind]string),
	}

	for section, class := range raw.Translation {
		kind, ok := kindNames[section]
		if !ok {
			return nil, &types.ConfigError{Field: "translation." + section, Msg: "unknown device kind"}
		}
		lab.Translation[kind] = class
	}

	seen := make(map[string]bool)

	// Deterministic order keeps error messages and device lists stable.
	sections := make([]string, 0, len(raw.Devices))
	for section := range raw.Devices {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	for _, section := range sections {
		kind, ok := kindNames[section]
		if !ok {
			return nil, &types.ConfigError{Field: "devices." + section, Msg: "unknown device kind"}
		}

		names := make([]string, 0, len(raw.Devices[section]))
		for name := range raw.Devices[section] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			node := raw.Devices[section][name]
			dev, err := parseDevice(section, name, kind, &node)
			if err != nil {
				return nil, err
			}
			if seen[name] {
				return nil, &types.ConfigError{Field: "devices." + section + "." + name, Msg: "duplicate device name"}
			}
			seen[name] = true
			lab.Devices = append(lab.Devices, dev)
		}
	}

	return lab, nil
}

func parseDevice(section, name string, kind types.DeviceKind, node *yaml.Node) (*types.Device, error) {
	field := "devices." + section + "." + name

	var rd rawDevice
	if err := node.Decode(&rd); err != nil {
		return nil, &types.ConfigError{Field: field, Msg: err.Error()}
	}
	if rd.Capacity == nil {
		return nil, &types.ConfigError{Field: field + ".capacity", Msg: "required"}
	}
	if *rd.Capacity < 0 {
		return nil, &types.ConfigError{Field: field + ".capacity", Msg: "must be >= 0"}
	}

	dev := &types.Device{
		Name:            name,
		Kind:            kind,
		Capacity:        *rd.Capacity,
		ProcessCapacity: *rd.Capacity,
		MinCapacity:     1,
		Params:          make(map[string]string),
	}
	if rd.ProcessCapacity != nil {
		if *rd.ProcessCapacity < 0 {
			return nil, &types.ConfigError{Field: field + ".process_capacity", Msg: "must be >= 0"}
		}
		dev.ProcessCapacity = *rd.ProcessCapacity
	}
	if rd.MinCapacity != nil {
		if *rd.MinCapacity < 1 {
			return nil, &types.ConfigError{Field: field + ".min_capacity", Msg: "must be >= 1"}
		}
		if *rd.MinCapacity > dev.Capacity {
			return nil, &types.ConfigError{Field: field + ".min_capacity", Msg: "exceeds capacity"}
		}
		dev.MinCapacity = *rd.MinCapacity
	}
	if rd.AllowsOverlap != nil {
		dev.AllowsOverlap = *rd.AllowsOverlap
	}
	for _, slot := range rd.DeepWellSlots {
		if slot < 0 || slot >= dev.Capacity {
			return nil, &types.ConfigError{Field: field + ".deep_well_slots", Msg: fmt.Sprintf("slot %d out of range", slot)}
		}
	}
	dev.DeepWellSlots = rd.DeepWellSlots

	// Collect custom parameters: any mapping key that is not a recognized one.
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if deviceKeys[key] {
				continue
			}
			val := node.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return nil, &types.ConfigError{Field: field + "." + key, Msg: "custom parameters must be scalar"}
			}
			dev.Params[key] = val.Value
		}
	}

	return dev, nil
}
