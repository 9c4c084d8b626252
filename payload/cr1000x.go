package payload

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nerc-ceh/iotswarm/source"
)

// Version is embedded in the envelope's prog_name, mirroring the
// datalogger firmware string a real CR1000X reports.
const Version = "1.0.0"

const iso8601Micro = "2006-01-02T15:04:05.000000"

// CR1000X formats rows into a Campbell-Scientific CR1000X datalogger
// JSON envelope, inferring an XSD type and a process suffix for every
// field from the observed values.
type CR1000X struct {
	DeviceID  string
	TableName string
	OSVersion string
	ProgName  string
}

var _ Adapter = CR1000X{}

// Format implements the CR1000X normalization rules: it wraps the
// DATE_TIME column (case-insensitive) into each data item's Time,
// derives fields in first-seen order from the remaining columns, and
// infers each field's XSD type across the whole batch. All rows must
// carry the same column set; a mismatch is a programming error and
// panics rather than returning an error, matching the treatment of
// contract violations elsewhere in the engine.
func (a CR1000X) Format(rows ...source.Row) (Envelope, error) {
	if len(rows) == 0 {
		return Envelope{}, errors.New("payload: no rows to format")
	}

	first := columnNames(rows[0])
	for _, r := range rows[1:] {
		if !sameNameSet(first, columnNames(r)) {
			panic(errors.New("payload: rows have mismatched column sets"))
		}
	}

	hasDateTime := false
	var fieldNames []string
	for _, n := range first {
		if strings.EqualFold(n, "DATE_TIME") {
			hasDateTime = true
			continue
		}
		fieldNames = append(fieldNames, n)
	}

	ranks := make([]int, len(fieldNames))
	typeNames := make([]string, len(fieldNames))
	sawPlainString := make([]bool, len(fieldNames))
	for i := range typeNames {
		typeNames[i] = "string"
	}

	dataItems := make([]DataItem, len(rows))
	for ri, row := range rows {
		var timeStr string
		if hasDateTime {
			v, _ := row.Get("DATE_TIME")
			timeStr = formatTimeValue(v)
		} else {
			timeStr = time.Now().UTC().Format(iso8601Micro)
		}

		vals := make([]any, len(fieldNames))
		for i, name := range fieldNames {
			v, _ := row.Get(name)
			vals[i] = v

			rank, rname := classifyValue(v)
			if rank == rankString {
				// A plain (non-dateTime) string anywhere in the column
				// forces the whole column to "string": unlike the
				// numeric tiers, string can't be widened into by a
				// narrower type, so it overrides any rank seen so far.
				sawPlainString[i] = true
				continue
			}
			if rank > ranks[i] {
				ranks[i] = rank
				typeNames[i] = rname
			}
		}
		dataItems[ri] = DataItem{Time: timeStr, Vals: vals}
	}

	for i, forced := range sawPlainString {
		if forced {
			typeNames[i] = "string"
		}
	}

	fields := make([]Field, len(fieldNames))
	for i, name := range fieldNames {
		fields[i] = Field{
			Name:    name,
			Type:    typeNames[i],
			Units:   "",
			Process: inferProcess(name),
		}
	}

	head := Head{
		Transaction: 0,
		Signature:   111111,
		Environment: Environment{
			StationName: a.DeviceID,
			TableName:   orDefault(a.TableName, "default"),
			Model:       "CR1000X",
			SerialNo:    serialNumber(a.DeviceID),
			OSVersion:   orDefault(a.OSVersion, "CR1000X.Std.07.02"),
			ProgName:    orDefault(a.ProgName, "CPU:iotswarm-"+Version+".CR1X"),
		},
		Fields: fields,
	}

	return Envelope{Head: &head, Data: dataItems}, nil
}

func columnNames(r source.Row) []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

func sameNameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[strings.ToUpper(n)]++
	}
	for _, n := range b {
		seen[strings.ToUpper(n)]--
	}
	for _, v := range seen {
		if v != 0 {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// serialNumber derives a fake datalogger serial number from deviceID as
// the dash-joined decimal Unicode code points of its characters, e.g.
// "ALIC1" -> "65-76-73-67-49".
func serialNumber(deviceID string) string {
	parts := make([]string, 0, len(deviceID))
	for _, r := range deviceID {
		parts = append(parts, strconv.Itoa(int(r)))
	}
	return strings.Join(parts, "-")
}

var processSuffixes = []struct {
	suffix  string
	process string
}{
	{"_std", "Std"},
	{"_avg", "Avg"},
	{"_max", "Max"},
	{"_min", "Min"},
	{"_mom", "Mom"},
	{"_tot", "Tot"},
	{"_cov", "Cov"},
}

// inferProcess maps a field name's trailing token to a process kind,
// defaulting to "Smp" (sample) when no known suffix matches.
func inferProcess(name string) string {
	lower := strings.ToLower(name)
	for _, p := range processSuffixes {
		if strings.HasSuffix(lower, p.suffix) {
			return p.process
		}
	}
	return "Smp"
}

// XSD type rank ladder: null < string < boolean < dateTime < short <
// int < long < integer < float < double. A higher rank observed
// anywhere in a column wins the column's final type, except that a
// plain (non-dateTime) string anywhere forces "string" (see Format).
const (
	rankNull = iota
	rankString
	rankBoolean
	rankDateTime
	rankShort
	rankInt
	rankLong
	rankInteger
	rankFloat
	rankDouble
)

func classifyValue(v any) (int, string) {
	switch vv := v.(type) {
	case nil:
		return rankNull, "string"
	case bool:
		return rankBoolean, "boolean"
	case time.Time:
		return rankDateTime, "dateTime"
	case string:
		if isISO8601(vv) {
			return rankDateTime, "dateTime"
		}
		return rankString, "string"
	case int:
		return rankForInt(int64(vv))
	case int32:
		return rankForInt(int64(vv))
	case int64:
		return rankForInt(vv)
	case *big.Int:
		// Values too large for int64 (beyond sensible sensor readings)
		// are never promoted to the arbitrary-precision "integer" tier;
		// the adapter caps integral values at "long", same as any
		// overflowing int64 handled by rankForInt.
		return rankLong, "long"
	case float32:
		return rankForFloat(float64(vv))
	case float64:
		return rankForFloat(vv)
	default:
		return rankString, "string"
	}
}

func rankForInt(v int64) (int, string) {
	switch {
	case v >= -32768 && v <= 32767:
		return rankShort, "short"
	case v >= -2147483648 && v <= 2147483647:
		return rankInt, "int"
	default:
		return rankLong, "long"
	}
}

const (
	float32MinNormal = 1.1754943508222875e-38
	float32Max       = math.MaxFloat32
)

func rankForFloat(v float64) (int, string) {
	af := math.Abs(v)
	if af == 0 || (af >= float32MinNormal && af <= float32Max) {
		return rankFloat, "float"
	}
	return rankDouble, "double"
}

var iso8601Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func isISO8601(s string) bool {
	for _, layout := range iso8601Layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func formatTimeValue(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(iso8601Micro)
	case string:
		for _, layout := range iso8601Layouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC().Format(iso8601Micro)
			}
		}
		if t == "" {
			return time.Now().UTC().Format(iso8601Micro)
		}
		return t
	case nil:
		return time.Now().UTC().Format(iso8601Micro)
	default:
		return fmt.Sprintf("%v", t)
	}
}
