package job

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

var (
	ErrBadName        = errors.New("malformed transfer name")
	ErrBadPrinterName = errors.New("invalid printer name")
)

const (
	KindControl byte = 'c'
	KindData    byte = 'd'

	maxNumberDigits = 6
	minNumberDigits = 3
)

// Name is a parsed transfer name: cf<seq><number><host> or df<seq><number><host>.
// For control files Seq is the job priority; for data files it is a sequence letter.
type Name struct {
	Kind   byte
	Seq    byte
	Number int
	Digits int
	Host   string
}

// ParseName validates and splits a transfer name.
func ParseName(s string) (Name, error) {
	if len(s) < 2+1+minNumberDigits+1 {
		return Name{}, errors.Wrapf(ErrBadName, "%q too short", s)
	}
	if s[1] != 'f' || (s[0] != KindControl && s[0] != KindData) {
		return Name{}, errors.Wrapf(ErrBadName, "%q must start with cf or df", s)
	}
	seq := s[2]
	if !isLetter(seq) {
		return Name{}, errors.Wrapf(ErrBadName, "%q has no priority letter", s)
	}
	rest := s[3:]
	digits := 0
	for digits < len(rest) && digits < maxNumberDigits && isDigit(rest[digits]) {
		digits++
	}
	if digits < minNumberDigits {
		return Name{}, errors.Wrapf(ErrBadName, "%q needs at least %d job number digits", s, minNumberDigits)
	}
	number, err := strconv.Atoi(rest[:digits])
	if err != nil {
		return Name{}, errors.Wrapf(ErrBadName, "%q: %v", s, err)
	}
	host := rest[digits:]
	if host == "" {
		return Name{}, errors.Wrapf(ErrBadName, "%q has no host part", s)
	}
	for i := 0; i < len(host); i++ {
		if !safeChar(host[i]) {
			return Name{}, errors.Wrapf(ErrBadName, "%q has unsafe character %q", s, host[i])
		}
	}
	return Name{Kind: s[0], Seq: seq, Number: number, Digits: digits, Host: host}, nil
}

func (n Name) String() string {
	digits := n.Digits
	if digits == 0 {
		digits = minNumberDigits
	}
	return fmt.Sprintf("%cf%c%0*d%s", n.Kind, n.Seq, digits, n.Number, n.Host)
}

// Renumber returns the name with a new job number, keeping kind, sequence and host.
func (n Name) Renumber(number, digits int) Name {
	n.Number = number
	n.Digits = digits
	return n
}

// SameJob reports whether two names belong to the same job (number and host match).
func (n Name) SameJob(o Name) bool {
	return n.Number == o.Number && n.Host == o.Host
}

// ValidPrinterName reports whether name only uses the safe character set.
func ValidPrinterName(name string) error {
	if name == "" || len(name) > 128 || name[0] == '.' || name[0] == '-' {
		return errors.Wrapf(ErrBadPrinterName, "%q", name)
	}
	for i := 0; i < len(name); i++ {
		if !safeChar(name[i]) {
			return errors.Wrapf(ErrBadPrinterName, "%q has unsafe character %q", name, name[i])
		}
	}
	return nil
}

// HoldFileName is the per-number hold file; the lock on it arbitrates job number ownership.
func HoldFileName(number, digits int) string {
	if digits == 0 {
		digits = minNumberDigits
	}
	return fmt.Sprintf("hf%0*d", digits, number)
}

// NumberDigits is the width of job numbers for a queue.
func NumberDigits(long bool) int {
	if long {
		return maxNumberDigits
	}
	return minNumberDigits
}

// NumberLimit is the exclusive upper bound for job numbers of the given width.
func NumberLimit(digits int) int {
	limit := 1
	for i := 0; i < digits; i++ {
		limit *= 10
	}
	return limit
}

func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func safeChar(c byte) bool {
	return isLetter(c) || isDigit(c) || c == '-' || c == '_' || c == '.'
}
