// Package textio reads and writes arrays in the whitespace-separated text
// format used by the CLI: a count followed by that many numbers.
package textio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultPrecision is the number of fractional digits written per value.
const DefaultPrecision = 3

var (
	// ErrMissingCount is returned when the input has no element count.
	ErrMissingCount = errors.New("missing element count")
	// ErrTruncated is returned when fewer values than announced are present.
	ErrTruncated = errors.New("input truncated")
)

// ReadArray parses "N v0 v1 ... vN-1". Tokens after the N-th value are ignored.
func ReadArray(r io.Reader) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read element count: %w", err)
		}
		return nil, ErrMissingCount
	}

	n, err := strconv.Atoi(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("invalid element count %q: %w", scanner.Text(), err)
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid element count %d: must not be negative", n)
	}

	values := make([]float64, 0, n)
	for len(values) < n {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read value %d: %w", len(values), err)
			}
			return nil, fmt.Errorf("%w: expected %d values, got %d", ErrTruncated, n, len(values))
		}
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %d %q: %w", len(values), scanner.Text(), err)
		}
		values = append(values, v)
	}

	return values, nil
}

// WriteArray writes values separated by single spaces with precision
// fractional digits, followed by a newline.
func WriteArray(w io.Writer, values []float64, precision int) error {
	bw := bufio.NewWriter(w)

	buf := make([]byte, 0, 32)
	for i, v := range values {
		if i > 0 {
			if err := bw.WriteByte(' '); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
		buf = strconv.AppendFloat(buf[:0], v, 'f', precision, 64)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// WriteFailure reports a failed run as "<description> : <code>".
func WriteFailure(w io.Writer, err error, code int) error {
	if _, werr := fmt.Fprintf(w, "\n%s : %d\n", err.Error(), code); werr != nil {
		return fmt.Errorf("failed to write failure report: %w", werr)
	}
	return nil
}
