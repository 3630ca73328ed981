package types

import (
	"math"
	"strconv"
	"strings"
)

// FieldPatientID addresses ScanRecord.PatientID from a Condition.
const FieldPatientID = "patient_id"

// Index kinds recorded in the index catalog
const (
	IndexConventional = "conventional"
	IndexSimilarity   = "similarity"
)

// Lookup returns a field value. patient_id resolves to the record's
// PatientID; everything else is a clinical field.
func (r *ScanRecord) Lookup(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	if name == FieldPatientID {
		return r.PatientID, true
	}
	v, ok := r.ClinicalFields[name]
	return v, ok
}

// Validate checks that every condition is well formed
func (p Predicate) Validate() error {
	for i, c := range p {
		if strings.TrimSpace(c.Field) == "" {
			return Validationf("condition %d: field is required", i)
		}
		if !c.Op.Valid() {
			return Validationf("condition %d: unknown operator %q", i, c.Op)
		}
		if c.Op == OpIn && len(c.Values) == 0 {
			return Validationf("condition %d: %q needs at least one value", i, OpIn)
		}
	}
	return nil
}

// Numeric reports the condition value as a number, if it is one. Range
// operators compare numerically when it is, lexically otherwise.
func (c Condition) Numeric() (float64, bool) {
	return ParseNumber(c.Value)
}

// ParseNumber parses a field value as a finite number. NaN and infinities
// compare as text.
func ParseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Match evaluates the condition against a record. Conditions on absent
// fields never match.
func (c Condition) Match(r *ScanRecord) bool {
	v, ok := r.Lookup(c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return v == c.Value
	case OpNe:
		return v != c.Value
	case OpIn:
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	}

	var cmp int
	if want, ok := c.Numeric(); ok {
		got, ok := ParseNumber(v)
		if !ok {
			return false
		}
		switch {
		case got < want:
			cmp = -1
		case got > want:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(v, c.Value)
	}

	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// Match reports whether every condition holds
func (p Predicate) Match(r *ScanRecord) bool {
	for _, c := range p {
		if !c.Match(r) {
			return false
		}
	}
	return true
}
