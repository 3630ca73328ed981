package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shivavenkatesh/medarchive/internal/archive"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

var (
	manipScan    string
	manipPatient string
	manipWhere   []string
	manipK       int
	manipOut     string
	manipJSON    bool
)

var manipulateCmd = &cobra.Command{
	Use:   "manipulate",
	Short: "Retrieve scans from the archive",
	Long: `Retrieve scans by id, by patient and clinical condition, or by image
similarity. Requires a defined and constructed archive.

Conditions are written field<op>value with op one of = != > >= < <=.
The value after = is taken literally, commas included. "field in a,b,c"
matches any listed value; write \, for a comma inside a listed value.

Examples:
  medarchive manipulate by-id --scan P001/MRI --out ./retrieved
  medarchive manipulate by-id --patient P001
  medarchive manipulate by-condition --patient P001 --where scan_type=MRI --where age>=40
  medarchive manipulate by-condition --patient P001 --where "scan_type in MRI,CT"
  medarchive manipulate similar --scan P001/MRI -k 5`,
}

var byIDCmd = &cobra.Command{
	Use:   "by-id",
	Short: "Retrieve one scan, or every scan of a patient",
	Args:  cobra.NoArgs,
	RunE:  runByID,
}

var byConditionCmd = &cobra.Command{
	Use:   "by-condition",
	Short: "Retrieve the scans of a patient matching clinical conditions",
	Args:  cobra.NoArgs,
	RunE:  runByCondition,
}

var similarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Retrieve the scans most similar to a scan",
	Args:  cobra.NoArgs,
	RunE:  runSimilar,
}

func init() {
	manipulateCmd.PersistentFlags().StringVar(&manipOut, "out", "", "Write retrieved images into this directory")
	manipulateCmd.PersistentFlags().BoolVar(&manipJSON, "json", false, "Print results as JSON")

	byIDCmd.Flags().StringVar(&manipScan, "scan", "", "Scan id")
	byIDCmd.Flags().StringVar(&manipPatient, "patient", "", "Patient id (lists every scan)")

	byConditionCmd.Flags().StringVar(&manipPatient, "patient", "", "Patient id")
	byConditionCmd.Flags().StringArrayVarP(&manipWhere, "where", "w", nil, "Condition, e.g. diagnosis=glioma or age>=40")
	_ = byConditionCmd.MarkFlagRequired("patient")

	similarCmd.Flags().StringVar(&manipScan, "scan", "", "Source scan id")
	similarCmd.Flags().IntVarP(&manipK, "k", "k", 5, "Number of neighbours")
	similarCmd.Flags().StringArrayVarP(&manipWhere, "where", "w", nil, "Restrict candidates by condition")
	_ = similarCmd.MarkFlagRequired("scan")

	manipulateCmd.AddCommand(byIDCmd, byConditionCmd, similarCmd)
}

func runByID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if (manipScan == "") == (manipPatient == "") {
		return fmt.Errorf("exactly one of --scan or --patient is required")
	}

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if manipScan != "" {
		scan, err := a.Get(ctx, manipScan)
		if err != nil {
			return fmt.Errorf("retrieval failed (%s): %w", types.Reason(err), err)
		}
		return emit([]*types.Scan{scan}, nil)
	}

	scans, err := a.ByPatient(ctx, manipPatient)
	if err != nil {
		return fmt.Errorf("retrieval failed (%s): %w", types.Reason(err), err)
	}
	if len(scans) == 0 && !manipJSON {
		fmt.Printf("No scans for patient %s\n", manipPatient)
		return nil
	}
	return emit(scans, nil)
}

func runByCondition(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pred, err := parsePredicate(manipWhere)
	if err != nil {
		return err
	}

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	scans, err := a.Find(ctx, manipPatient, pred)
	if err != nil {
		return fmt.Errorf("retrieval failed (%s): %w", types.Reason(err), err)
	}
	if len(scans) == 0 && !manipJSON {
		fmt.Println("No matching scans")
		return nil
	}
	return emit(scans, nil)
}

func runSimilar(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pred, err := parsePredicate(manipWhere)
	if err != nil {
		return err
	}

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.SimilarTo(ctx, manipScan, manipK, pred)
	if err != nil {
		return fmt.Errorf("similarity search failed (%s): %w", types.Reason(err), err)
	}
	if len(hits) == 0 {
		warnEmptySimilar(a)
		if !manipJSON {
			return nil
		}
	}

	scans := make([]*types.Scan, len(hits))
	scores := make([]float32, len(hits))
	for i := range hits {
		scans[i] = &hits[i].Scan
		scores[i] = hits[i].Score
	}
	return emit(scans, scores)
}

// warnEmptySimilar explains an empty similarity result
func warnEmptySimilar(a *archive.Archive) {
	if pending := a.Lag(); pending > 0 {
		fmt.Fprintf(os.Stderr, "warning: similarity index is still applying %d update(s); results may be incomplete\n", pending)
		return
	}
	fmt.Println("No similar scans")
}

// emit prints scans and optionally writes their images to --out
func emit(scans []*types.Scan, scores []float32) error {
	if manipOut != "" {
		if err := os.MkdirAll(manipOut, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	type row struct {
		Record      types.ScanRecord `json:"record"`
		ContentType string           `json:"content_type"`
		ImageSize   int              `json:"image_size"`
		ImagePath   string           `json:"image_path,omitempty"`
		Score       *float32         `json:"score,omitempty"`
	}
	rows := make([]row, 0, len(scans))
	for i, s := range scans {
		r := row{Record: s.Record, ContentType: s.ContentType, ImageSize: len(s.Image)}
		if scores != nil {
			r.Score = &scores[i]
		}
		if manipOut != "" {
			r.ImagePath = filepath.Join(manipOut, imageFileName(s))
			if err := os.WriteFile(r.ImagePath, s.Image, 0o644); err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}
		}
		rows = append(rows, r)
	}

	if manipJSON {
		printJSON(rows)
		return nil
	}
	for _, r := range rows {
		if r.Score != nil {
			fmt.Printf("[%.4f] ", *r.Score)
		}
		fmt.Printf("%s  patient=%s  %s  %d bytes\n", r.Record.ScanID, r.Record.PatientID, r.ContentType, r.ImageSize)
		for _, k := range sortedKeys(r.Record.ClinicalFields) {
			fmt.Printf("    %s: %s\n", k, r.Record.ClinicalFields[k])
		}
		if r.ImagePath != "" {
			fmt.Printf("    image: %s\n", r.ImagePath)
		}
	}
	return nil
}

func imageFileName(s *types.Scan) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s.Record.ScanID)
	switch s.ContentType {
	case "application/dicom":
		return name + ".dcm"
	case "image/png":
		return name + ".png"
	case "image/jpeg":
		return name + ".jpg"
	}
	return name + ".bin"
}

// parsePredicate turns --where expressions into a predicate
func parsePredicate(exprs []string) (types.Predicate, error) {
	pred := make(types.Predicate, 0, len(exprs))
	for _, e := range exprs {
		c, err := parseCondition(e)
		if err != nil {
			return nil, err
		}
		pred = append(pred, c)
	}
	return pred, pred.Validate()
}

var conditionOps = []struct {
	token string
	op    types.Operator
}{
	{" in ", types.OpIn},
	{"!=", types.OpNe},
	{">=", types.OpGte},
	{"<=", types.OpLte},
	{"=", types.OpEq},
	{">", types.OpGt},
	{"<", types.OpLt},
}

// parseCondition splits expr at its leftmost operator; at the same offset
// the longer token wins, so "age>=40" is >= rather than >.
func parseCondition(expr string) (types.Condition, error) {
	best, at := -1, 0
	for j, o := range conditionOps {
		i := strings.Index(expr, o.token)
		if i < 0 {
			continue
		}
		if best < 0 || i < at || (i == at && len(o.token) > len(conditionOps[best].token)) {
			best, at = j, i
		}
	}
	if best < 0 {
		return types.Condition{}, fmt.Errorf("invalid condition %q, expected field<op>value", expr)
	}
	o := conditionOps[best]
	field := strings.TrimSpace(expr[:at])
	if field == "" {
		return types.Condition{}, fmt.Errorf("invalid condition %q, missing field", expr)
	}
	value := strings.TrimSpace(expr[at+len(o.token):])
	if o.op == types.OpIn {
		values := splitValueList(value)
		if len(values) == 0 {
			return types.Condition{}, fmt.Errorf("invalid condition %q, empty value list", expr)
		}
		return types.In(field, values...), nil
	}
	return types.Condition{Field: field, Op: o.op, Value: value}, nil
}

// splitValueList splits on unescaped commas. \, is a literal comma and
// \\ a literal backslash; blank items are dropped.
func splitValueList(s string) []string {
	var (
		values []string
		cur    strings.Builder
	)
	flush := func() {
		if v := strings.TrimSpace(cur.String()); v != "" {
			values = append(values, v)
		}
		cur.Reset()
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s) && (s[i+1] == ',' || s[i+1] == '\\'):
			cur.WriteByte(s[i+1])
			i++
		case c == ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return values
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
