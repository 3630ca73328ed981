package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

var (
	constructPatient  string
	constructScanType string
	constructName     string
	constructScanID   string
	constructImage    string
	constructVector   string
	constructFields   []string
	constructManifest string
	constructJSON     bool
)

var constructCmd = &cobra.Command{
	Use:   "construct",
	Short: "Ingest scans into the archive",
	Long: `Ingest one scan from flags, or many from a YAML manifest.

Every scan goes through the same steps: validate, write the image blob,
write the record referencing it, then register its vector with the
similarity index. A failure at any step removes what was already written.

Without --vector the configured embedding service computes the feature
vector from the image.

Manifest format:
  base_dir: ./images        # optional, defaults to the manifest directory
  records:
    - patient_id: P001
      image: p001_mri.dcm
      fields: {scan_type: MRI, diagnosis: glioma}
      vector: [0.12, 0.53]  # optional

Examples:
  medarchive construct --patient P001 --scan-type MRI --name "Jane Roe" --image p001.dcm
  medarchive construct --patient P001 --scan-type CT --image ct.png --vector 0.1,0.9 --field diagnosis=normal
  medarchive construct --manifest scans.yaml`,
	Args: cobra.NoArgs,
	RunE: runConstruct,
}

func init() {
	constructCmd.Flags().StringVar(&constructPatient, "patient", "", "Patient id")
	constructCmd.Flags().StringVar(&constructScanType, "scan-type", "", "Scan type (MRI, CT, ...)")
	constructCmd.Flags().StringVar(&constructName, "name", "", "Patient name")
	constructCmd.Flags().StringVar(&constructScanID, "scan-id", "", "Explicit scan id (default: derived from patient and scan type)")
	constructCmd.Flags().StringVar(&constructImage, "image", "", "Image file")
	constructCmd.Flags().StringVar(&constructVector, "vector", "", "Comma separated feature vector")
	constructCmd.Flags().StringArrayVarP(&constructFields, "field", "f", nil, "Clinical field as key=value")
	constructCmd.Flags().StringVar(&constructManifest, "manifest", "", "YAML manifest for bulk ingestion")
	constructCmd.Flags().BoolVar(&constructJSON, "json", false, "Print results as JSON")
}

func runConstruct(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if constructManifest == "" && constructImage == "" {
		return fmt.Errorf("either --image or --manifest is required")
	}
	if constructManifest != "" && constructImage != "" {
		return fmt.Errorf("--image and --manifest are mutually exclusive")
	}

	var reqs []types.IngestRequest
	if constructManifest != "" {
		m, err := loadManifest(constructManifest)
		if err != nil {
			return err
		}
		reqs, err = m.requests()
		if err != nil {
			return err
		}
	} else {
		req, err := heroRequest()
		if err != nil {
			return err
		}
		reqs = []types.IngestRequest{req}
	}

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if constructManifest == "" {
		res, err := a.Ingest(ctx, reqs[0])
		if constructJSON {
			printJSON(res)
		} else if res.State == types.StateDone {
			fmt.Printf("Ingested %s (blob %s)\n", res.ScanID, res.BlobID)
		}
		if err != nil {
			return fmt.Errorf("ingestion of %s failed (%s): %w", res.ScanID, res.Reason, err)
		}
		return nil
	}

	summary, err := a.IngestBatch(ctx, reqs)
	if err != nil {
		return err
	}
	if constructJSON {
		printJSON(summary)
	} else {
		printSummary(summary)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d records failed", summary.Failed, summary.Total)
	}
	return nil
}

// heroRequest builds a single ingestion request from flags
func heroRequest() (types.IngestRequest, error) {
	image, err := os.ReadFile(constructImage)
	if err != nil {
		return types.IngestRequest{}, fmt.Errorf("failed to read image: %w", err)
	}

	fields := make(map[string]string)
	for _, f := range constructFields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return types.IngestRequest{}, fmt.Errorf("invalid --field %q, expected key=value", f)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if constructScanType != "" {
		fields["scan_type"] = constructScanType
	}
	if constructName != "" {
		fields["name"] = constructName
	}

	vector, err := parseVector(constructVector)
	if err != nil {
		return types.IngestRequest{}, err
	}

	return types.IngestRequest{
		ScanID:         constructScanID,
		PatientID:      constructPatient,
		ClinicalFields: fields,
		Image:          image,
		ContentType:    contentTypeFor(constructImage),
		FeatureVector:  vector,
	}, nil
}

func parseVector(raw string) ([]float32, error) {
	raw = strings.TrimSpace(strings.Trim(raw, "[]"))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	if err := types.ValidateVector(out); err != nil {
		return nil, err
	}
	return out, nil
}

func printSummary(s types.BatchSummary) {
	fmt.Printf("Ingested %d records in %dms: %d done, %d skipped, %d failed\n",
		s.Total, s.Timing, s.Done, s.Skipped, s.Failed)
	if len(s.Reasons) > 0 {
		reasons := make([]string, 0, len(s.Reasons))
		for r := range s.Reasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		fmt.Println("Failures:")
		for _, r := range reasons {
			fmt.Printf("  %-16s %d\n", r, s.Reasons[r])
		}
	}
	if verbose {
		for _, r := range s.Results {
			if r.State == types.StateDone {
				continue
			}
			fmt.Printf("  %s: %s %s\n", r.ScanID, r.State, r.Reason)
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
