package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// FileRegistry reads devices from a YAML document of the form:
//
//	devices:
//	  - id_mesin: "2618034"
//	    manufacture: standard
//	    nama_dinas: Dinas Kesehatan
//
// The file is re-read on every call so edits are picked up by a refresh.
type FileRegistry struct {
	path string
}

func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

type deviceFile struct {
	Devices []fileDevice `yaml:"devices"`
}

type fileDevice struct {
	ID           string `yaml:"id_mesin"`
	Manufacturer string `yaml:"manufacture"`
	Organization string `yaml:"nama_dinas"`
}

func (r *FileRegistry) Devices(_ context.Context) ([]types.Device, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read device file %s: %w", r.path, err)
	}
	var doc deviceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse device file %s: %w", r.path, err)
	}

	devices := make([]types.Device, 0, len(doc.Devices))
	for _, d := range doc.Devices {
		devices = append(devices, types.Device{
			ID:           d.ID,
			Manufacturer: types.ParseManufacturer(d.Manufacturer),
			Organization: d.Organization,
		})
	}
	return Dedupe(devices), nil
}
