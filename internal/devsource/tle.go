package devsource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// tleLineLength is the fixed width of both TLE element lines.
const tleLineLength = 69

// ErrInvalidTLE wraps every TLE validation failure.
var ErrInvalidTLE = errors.New("invalid TLE")

// TLE is one two-line element set with its optional title line.
type TLE struct {
	Name  string
	Line1 string
	Line2 string
}

// CatalogNumber returns the NORAD catalog number, used as the satellite id.
func (t TLE) CatalogNumber() string {
	return strings.TrimSpace(t.Line1[2:7])
}

// DisplayName returns the title line, or the catalog number when the set has
// none.
func (t TLE) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.CatalogNumber()
}

// MeanMotion returns revolutions per day.
func (t TLE) MeanMotion() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(t.Line2[52:63]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: mean motion: %w", ErrInvalidTLE, err)
	}
	return v, nil
}

// Eccentricity decodes the assumed-decimal eccentricity field.
func (t TLE) Eccentricity() (float64, error) {
	v, err := strconv.ParseFloat("0."+strings.TrimSpace(t.Line2[26:33]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: eccentricity: %w", ErrInvalidTLE, err)
	}
	return v, nil
}

// Validate checks line widths, line numbers, matching catalog numbers and
// checksums. go-satellite aborts the process on malformed input, so every
// set goes through here before it reaches the propagator.
func (t TLE) Validate() error {
	if len(t.Line1) != tleLineLength {
		return fmt.Errorf("%w: line 1 length %d, expected %d", ErrInvalidTLE, len(t.Line1), tleLineLength)
	}
	if len(t.Line2) != tleLineLength {
		return fmt.Errorf("%w: line 2 length %d, expected %d", ErrInvalidTLE, len(t.Line2), tleLineLength)
	}
	if !strings.HasPrefix(t.Line1, "1 ") {
		return fmt.Errorf("%w: line 1 must start with \"1 \"", ErrInvalidTLE)
	}
	if !strings.HasPrefix(t.Line2, "2 ") {
		return fmt.Errorf("%w: line 2 must start with \"2 \"", ErrInvalidTLE)
	}
	if n1, n2 := strings.TrimSpace(t.Line1[2:7]), strings.TrimSpace(t.Line2[2:7]); n1 != n2 {
		return fmt.Errorf("%w: catalog numbers differ (%s vs %s)", ErrInvalidTLE, n1, n2)
	}
	if _, err := strconv.Atoi(t.CatalogNumber()); err != nil {
		return fmt.Errorf("%w: catalog number %q", ErrInvalidTLE, t.CatalogNumber())
	}
	for i, line := range []string{t.Line1, t.Line2} {
		want := int(line[tleLineLength-1] - '0')
		if got := Checksum(line); got != want {
			return fmt.Errorf("%w: line %d checksum %d, expected %d", ErrInvalidTLE, i+1, want, got)
		}
	}
	if _, err := t.MeanMotion(); err != nil {
		return err
	}
	if _, err := t.Eccentricity(); err != nil {
		return err
	}
	return nil
}

// Checksum computes the modulo-10 checksum over the first 68 columns: digits
// count their value, minus signs count one.
func Checksum(line string) int {
	sum := 0
	for i := 0; i < len(line) && i < tleLineLength-1; i++ {
		switch c := line[i]; {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}

// ParseTLE reads 3-line (title, line 1, line 2) or bare 2-line element sets.
// Malformed entries are skipped and reported in skipped; err is only set when
// r cannot be read.
func ParseTLE(r io.Reader) (sets []TLE, skipped []error, err error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading TLE data: %w", err)
	}

	for i := 0; i < len(lines); {
		var set TLE
		switch {
		case strings.HasPrefix(lines[i], "1 ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "2 "):
			set = TLE{Line1: lines[i], Line2: lines[i+1]}
			i += 2
		case i+2 < len(lines) && strings.HasPrefix(lines[i+1], "1 ") && strings.HasPrefix(lines[i+2], "2 "):
			set = TLE{Name: strings.TrimSpace(lines[i]), Line1: lines[i+1], Line2: lines[i+2]}
			i += 3
		default:
			skipped = append(skipped, fmt.Errorf("%w: line %d: %q does not start an element set", ErrInvalidTLE, i+1, lines[i]))
			i++
			continue
		}
		if err := set.Validate(); err != nil {
			name := set.Name
			if name == "" {
				name = fmt.Sprintf("entry ending at line %d", i)
			}
			skipped = append(skipped, fmt.Errorf("%s: %w", name, err))
			continue
		}
		sets = append(sets, set)
	}
	return sets, skipped, nil
}

// Elements are the mean orbital elements used to synthesise a TLE.
type Elements struct {
	CatalogNumber int
	Name          string
	Designator    string // international designator, up to 8 columns
	Epoch         time.Time
	Inclination   float64 // degrees
	RAAN          float64 // degrees
	Eccentricity  float64
	ArgPerigee    float64 // degrees
	MeanAnomaly   float64 // degrees
	MeanMotion    float64 // revolutions per day
}

// TLE formats e as a checksummed element set with no drag terms beyond a
// nominal BSTAR.
func (e Elements) TLE() TLE {
	ecc := int(math.Round(e.Eccentricity * 1e7))
	if ecc > 9999999 {
		ecc = 9999999
	}
	designator := e.Designator
	if len(designator) > 8 {
		designator = designator[:8]
	}
	body1 := fmt.Sprintf("1 %05dU %-8s %14s %10s %8s %8s 0 %4d",
		e.CatalogNumber%100000, designator, formatEpoch(e.Epoch), ".00000000", "00000-0", "10270-4", 999)
	body2 := fmt.Sprintf("2 %05d %8.4f %8.4f %07d %8.4f %8.4f %11.8f%5d",
		e.CatalogNumber%100000, e.Inclination, wrapDegrees(e.RAAN), ecc,
		wrapDegrees(e.ArgPerigee), wrapDegrees(e.MeanAnomaly), e.MeanMotion, 0)
	return TLE{
		Name:  e.Name,
		Line1: body1 + strconv.Itoa(Checksum(body1)),
		Line2: body2 + strconv.Itoa(Checksum(body2)),
	}
}

// formatEpoch renders YYDDD.DDDDDDDD.
func formatEpoch(t time.Time) string {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	frac := t.Sub(midnight).Seconds() / 86400
	frac = math.Floor(frac*1e8) / 1e8
	return fmt.Sprintf("%02d%03d%s", t.Year()%100, t.YearDay(), strconv.FormatFloat(frac, 'f', 8, 64)[1:])
}

func wrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	// %8.4f would print 360.0000 for values just below 360.
	if d >= 359.99995 {
		d = 0
	}
	return d
}
