package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// manifest lists scans for bulk ingestion. Image paths are relative to
// BaseDir, or to the manifest file when BaseDir is empty.
type manifest struct {
	BaseDir string          `yaml:"base_dir"`
	Records []manifestEntry `yaml:"records"`
}

type manifestEntry struct {
	ScanID      string            `yaml:"scan_id"`
	PatientID   string            `yaml:"patient_id"`
	Image       string            `yaml:"image"`
	ContentType string            `yaml:"content_type"`
	Fields      map[string]string `yaml:"fields"`
	Vector      []float32         `yaml:"vector"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.BaseDir == "" {
		m.BaseDir = filepath.Dir(path)
	}
	return &m, nil
}

// requests reads every image and builds the ingestion requests. An
// unreadable image aborts before anything is ingested.
func (m *manifest) requests() ([]types.IngestRequest, error) {
	reqs := make([]types.IngestRequest, 0, len(m.Records))
	for i, e := range m.Records {
		if e.Image == "" {
			return nil, fmt.Errorf("record %d (%s): image path is required", i, e.PatientID)
		}
		path := e.Image
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.BaseDir, path)
		}
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, e.PatientID, err)
		}
		ct := e.ContentType
		if ct == "" {
			ct = contentTypeFor(path)
		}
		reqs = append(reqs, types.IngestRequest{
			ScanID:         e.ScanID,
			PatientID:      e.PatientID,
			ClinicalFields: e.Fields,
			Image:          image,
			ContentType:    ct,
			FeatureVector:  e.Vector,
		})
	}
	return reqs, nil
}

// contentTypeFor guesses a media type from the file extension
func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".dcm", ".dicom":
		return "application/dicom"
	case ".nii":
		return "application/x-nifti"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
