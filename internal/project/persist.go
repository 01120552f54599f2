package project

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/r4ai/cutit/internal/timeline"
)

// schemaVersion pins the persisted project layout. Loading any other
// version fails rather than guessing.
const schemaVersion = 1

// projectFile is the on-disk shape. The persistence format itself is
// owned by an external collaborator; these hooks only serialize and
// deserialize the §3 fields.
type projectFile struct {
	SchemaVersion int                `json:"schema_version"`
	Assets        []MediaAsset       `json:"assets"`
	Segments      []timeline.Segment `json:"segments"`
	Settings      Settings           `json:"settings"`
}

// Save validates the project and writes it as pretty-printed JSON.
func (p *Project) Save(path string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("project is not persistable: %w", err)
	}

	file := projectFile{
		SchemaVersion: schemaVersion,
		Assets:        p.Assets,
		Segments:      p.Timeline.Segments,
		Settings:      p.Settings,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize project: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write project file %s: %w", path, err)
	}
	return nil
}

// Load reads and validates a persisted project.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file %s: %w", path, err)
	}

	var file projectFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	if file.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("project file %s: unsupported schema version %d", path, file.SchemaVersion)
	}

	p := &Project{
		Assets:   file.Assets,
		Timeline: timeline.Timeline{Segments: file.Segments},
		Settings: file.Settings,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("project file %s: %w", path, err)
	}
	return p, nil
}

// NextIDs reports id counters that are safe to continue allocation
// from after loading a persisted project.
func (p *Project) NextIDs() (nextAsset, nextSegment int64) {
	nextAsset, nextSegment = 1, 1
	for _, asset := range p.Assets {
		if asset.ID >= nextAsset {
			nextAsset = asset.ID + 1
		}
	}
	for _, segment := range p.Timeline.Segments {
		if segment.ID >= nextSegment {
			nextSegment = segment.ID + 1
		}
	}
	return nextAsset, nextSegment
}
