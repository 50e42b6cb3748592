package orbit

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/satops/internal/apperr"
)

const tleLineLength = 69

// TLE is a two-line element set.
type TLE struct {
	Line1 string
	Line2 string
}

// Empty reports whether either line is missing.
func (t TLE) Empty() bool {
	return strings.TrimSpace(t.Line1) == "" || strings.TrimSpace(t.Line2) == ""
}

// Validate checks the line numbers, lengths, checksums and that both lines
// name the same catalog number. Failures are ErrBadRequest.
func (t TLE) Validate() error {
	if t.Empty() {
		return fmt.Errorf("%w: satellite has no two-line element set", apperr.ErrBadRequest)
	}
	l1 := strings.TrimRight(t.Line1, " \r\n")
	l2 := strings.TrimRight(t.Line2, " \r\n")
	if err := checkLine(l1, '1'); err != nil {
		return err
	}
	if err := checkLine(l2, '2'); err != nil {
		return err
	}
	if l1[2:7] != l2[2:7] {
		return fmt.Errorf("%w: TLE lines refer to different catalog numbers %q and %q",
			apperr.ErrBadRequest, l1[2:7], l2[2:7])
	}
	return nil
}

func checkLine(line string, number byte) error {
	if len(line) != tleLineLength {
		return fmt.Errorf("%w: TLE line %c has length %d, want %d",
			apperr.ErrBadRequest, number, len(line), tleLineLength)
	}
	if line[0] != number || line[1] != ' ' {
		return fmt.Errorf("%w: TLE line %c has wrong line number", apperr.ErrBadRequest, number)
	}
	want := line[68]
	if want < '0' || want > '9' {
		return fmt.Errorf("%w: TLE line %c checksum is not a digit", apperr.ErrBadRequest, number)
	}
	if got := checksum(line[:68]); got != int(want-'0') {
		return fmt.Errorf("%w: TLE line %c checksum %d, want %c", apperr.ErrBadRequest, number, got, want)
	}
	return nil
}

// checksum is the modulo-10 sum of digits, counting each minus sign as 1.
func checksum(s string) int {
	sum := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}
