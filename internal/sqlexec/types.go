package sqlexec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Family groups declared types for compatibility checks. Two columns with the
// same family are considered the same shape regardless of length or precision.
type Family string

const (
	FamilyString    Family = "string"
	FamilyInteger   Family = "integer"
	FamilyNumeric   Family = "numeric"
	FamilyBoolean   Family = "boolean"
	FamilyTimestamp Family = "timestamp"
	FamilyDate      Family = "date"
)

// ColumnType is a parsed, allow-listed column type.
type ColumnType struct {
	Family    Family
	Name      string // Canonical upper-case name, e.g. "VARCHAR".
	Length    int    // VARCHAR/CHAR length.
	Precision int    // NUMERIC precision.
	Scale     int    // NUMERIC scale.
	Serial    bool   // SERIAL/BIGSERIAL, allowed only for the id column.
}

// SQL renders the canonical type text.
func (t ColumnType) SQL() string {
	switch {
	case t.Length > 0:
		return fmt.Sprintf("%s(%d)", t.Name, t.Length)
	case t.Precision > 0 && t.Scale > 0:
		return fmt.Sprintf("%s(%d,%d)", t.Name, t.Precision, t.Scale)
	case t.Precision > 0:
		return fmt.Sprintf("%s(%d)", t.Name, t.Precision)
	}
	return t.Name
}

var typePattern = regexp.MustCompile(`^([a-z][a-z0-9 ]*?)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?$`)

type typeSpec struct {
	family    Family
	canonical string
	sized     bool // Accepts (n) or (p,s).
}

var typeNames = map[string]typeSpec{
	"text":                        {FamilyString, "TEXT", false},
	"varchar":                     {FamilyString, "VARCHAR", true},
	"character varying":           {FamilyString, "VARCHAR", true},
	"char":                        {FamilyString, "CHAR", true},
	"character":                   {FamilyString, "CHAR", true},
	"string":                      {FamilyString, "TEXT", false},
	"smallint":                    {FamilyInteger, "SMALLINT", false},
	"int2":                        {FamilyInteger, "SMALLINT", false},
	"integer":                     {FamilyInteger, "INTEGER", false},
	"int":                         {FamilyInteger, "INTEGER", false},
	"int4":                        {FamilyInteger, "INTEGER", false},
	"bigint":                      {FamilyInteger, "BIGINT", false},
	"int8":                        {FamilyInteger, "BIGINT", false},
	"serial":                      {FamilyInteger, "SERIAL", false},
	"bigserial":                   {FamilyInteger, "BIGSERIAL", false},
	"numeric":                     {FamilyNumeric, "NUMERIC", true},
	"decimal":                     {FamilyNumeric, "NUMERIC", true},
	"real":                        {FamilyNumeric, "REAL", false},
	"float":                       {FamilyNumeric, "DOUBLE PRECISION", false},
	"double":                      {FamilyNumeric, "DOUBLE PRECISION", false},
	"double precision":            {FamilyNumeric, "DOUBLE PRECISION", false},
	"boolean":                     {FamilyBoolean, "BOOLEAN", false},
	"bool":                        {FamilyBoolean, "BOOLEAN", false},
	"timestamp":                   {FamilyTimestamp, "TIMESTAMP", false},
	"timestamp without time zone": {FamilyTimestamp, "TIMESTAMP", false},
	"datetime":                    {FamilyTimestamp, "TIMESTAMP", false},
	"timestamptz":                 {FamilyTimestamp, "TIMESTAMPTZ", false},
	"timestamp with time zone":    {FamilyTimestamp, "TIMESTAMPTZ", false},
	"date":                        {FamilyDate, "DATE", false},
}

const (
	maxVarcharLength = 10485760
	maxPrecision     = 1000
)

// ParseType parses a declared column type against the allow-list grammar.
// It accepts both user input ("VARCHAR(255)", "decimal(10,2)") and the type
// names reported by introspection ("character varying", "timestamp with time zone").
func ParseType(raw string) (ColumnType, error) {
	s := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	m := typePattern.FindStringSubmatch(s)
	if m == nil {
		return ColumnType{}, fmt.Errorf("unsupported column type %q", raw)
	}
	info, ok := typeNames[m[1]]
	if !ok {
		return ColumnType{}, fmt.Errorf("unsupported column type %q", raw)
	}
	t := ColumnType{
		Family: info.family,
		Name:   info.canonical,
		Serial: info.canonical == "SERIAL" || info.canonical == "BIGSERIAL",
	}
	if m[2] == "" {
		return t, nil
	}
	if !info.sized {
		return ColumnType{}, fmt.Errorf("column type %q does not take a size", raw)
	}
	n, _ := strconv.Atoi(m[2])
	switch info.family {
	case FamilyString:
		if m[3] != "" || n < 1 || n > maxVarcharLength {
			return ColumnType{}, fmt.Errorf("invalid length in column type %q", raw)
		}
		t.Length = n
	case FamilyNumeric:
		if n < 1 || n > maxPrecision {
			return ColumnType{}, fmt.Errorf("invalid precision in column type %q", raw)
		}
		t.Precision = n
		if m[3] != "" {
			scale, _ := strconv.Atoi(m[3])
			if scale > n {
				return ColumnType{}, fmt.Errorf("scale exceeds precision in column type %q", raw)
			}
			t.Scale = scale
		}
	}
	return t, nil
}

var numericLiteral = regexp.MustCompile(`^-?\d{1,30}(\.\d{1,30})?$`)

// ParseDefault validates a default expression for a column type and returns
// the SQL to render. Only a small set of constant expressions is allowed;
// string literals are rejected because values must never be interpolated.
func ParseDefault(raw string, t ColumnType) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", nil
	}
	switch s {
	case "now", "now()", "current_timestamp":
		if t.Family != FamilyTimestamp {
			return "", fmt.Errorf("default %q requires a timestamp column", raw)
		}
		return "CURRENT_TIMESTAMP", nil
	case "current_date", "today":
		if t.Family != FamilyDate && t.Family != FamilyTimestamp {
			return "", fmt.Errorf("default %q requires a date column", raw)
		}
		return "CURRENT_DATE", nil
	case "true", "false":
		if t.Family != FamilyBoolean {
			return "", fmt.Errorf("default %q requires a boolean column", raw)
		}
		return strings.ToUpper(s), nil
	case "null":
		return "NULL", nil
	}
	if numericLiteral.MatchString(s) {
		switch t.Family {
		case FamilyInteger:
			if strings.Contains(s, ".") {
				return "", fmt.Errorf("default %q is not an integer", raw)
			}
			return s, nil
		case FamilyNumeric:
			return s, nil
		}
		return "", fmt.Errorf("numeric default %q requires a numeric column", raw)
	}
	return "", fmt.Errorf("unsupported default expression %q", raw)
}
