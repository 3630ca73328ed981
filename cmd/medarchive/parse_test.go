package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		expr string
		want types.Condition
	}{
		{"diagnosis=glioma", types.Eq("diagnosis", "glioma")},
		{"scan_type != CT", types.Condition{Field: "scan_type", Op: types.OpNe, Value: "CT"}},
		{"age>=40", types.Condition{Field: "age", Op: types.OpGte, Value: "40"}},
		{"age<=65", types.Condition{Field: "age", Op: types.OpLte, Value: "65"}},
		{"age>40", types.Condition{Field: "age", Op: types.OpGt, Value: "40"}},
		{"age<40", types.Condition{Field: "age", Op: types.OpLt, Value: "40"}},
		{"scan_type in MRI, CT", types.In("scan_type", "MRI", "CT")},
		{"diagnosis=glioma, grade II", types.Eq("diagnosis", "glioma, grade II")},
		{`diagnosis in glioma\, grade II,meningioma`, types.In("diagnosis", "glioma, grade II", "meningioma")},
		{"note=a>=b", types.Eq("note", "a>=b")},
		{"diagnosis=carcinoma in situ", types.Eq("diagnosis", "carcinoma in situ")},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := parseCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"glioma", "=glioma", "", "scan_type in  , ", " in MRI"} {
		_, err := parseCondition(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePredicate(t *testing.T) {
	pred, err := parsePredicate([]string{"diagnosis=glioma", "age>=40"})
	require.NoError(t, err)
	assert.Len(t, pred, 2)

	pred, err = parsePredicate(nil)
	require.NoError(t, err)
	assert.Empty(t, pred)
}

func TestParseVector(t *testing.T) {
	v, err := parseVector("[1, 0.5,-2]")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2}, v)

	v, err = parseVector("  ")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = parseVector("1,x")
	assert.Error(t, err)

	for _, raw := range []string{"NaN,1", "1,+Inf", "-inf"} {
		_, err = parseVector(raw)
		assert.ErrorIs(t, err, types.ErrValidation, raw)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brain.dcm"), []byte("dicom bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scans.yaml"), []byte(`
records:
  - patient_id: P001
    image: brain.dcm
    fields:
      scan_type: MRI
      diagnosis: glioma
    vector: [1, 0]
  - scan_id: custom
    patient_id: P002
    image: brain.dcm
    content_type: image/png
`), 0o644))

	m, err := loadManifest(filepath.Join(dir, "scans.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, m.BaseDir)

	reqs, err := m.requests()
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "P001", reqs[0].PatientID)
	assert.Equal(t, "MRI", reqs[0].ClinicalFields["scan_type"])
	assert.Equal(t, []byte("dicom bytes"), reqs[0].Image)
	assert.Equal(t, "application/dicom", reqs[0].ContentType)
	assert.Equal(t, []float32{1, 0}, reqs[0].FeatureVector)

	assert.Equal(t, "custom", reqs[1].ScanID)
	assert.Equal(t, "image/png", reqs[1].ContentType)
}

func TestManifestMissingImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("records:\n  - patient_id: P001\n    image: gone.dcm\n"), 0o644))

	m, err := loadManifest(path)
	require.NoError(t, err)
	_, err = m.requests()
	assert.Error(t, err)

	_, err = loadManifest(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}
