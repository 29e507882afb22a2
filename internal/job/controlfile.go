package job

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedControl = errors.New("malformed control file")

// maxLineLength bounds a single capability line.
const maxLineLength = 4096

// ParseControl decodes control file bytes into a Job. The job's Name must be set by the caller.
// Data files are keyed by the names the control file references; the same name on several
// format lines counts as several copies.
func ParseControl(data []byte) (*Job, error) {
	j := &Job{}
	byName := map[string]*DataFile{}
	pendingSource := ""

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024), maxLineLength)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		key, value := text[0], text[1:]
		if key <= ' ' || key > '~' {
			return nil, errors.Wrapf(ErrMalformedControl, "line %d: bad key %q", lineNo, key)
		}
		switch {
		case key >= 'a' && key <= 'z':
			if _, err := ParseName(value); err != nil {
				return nil, errors.Wrapf(ErrMalformedControl, "line %d: %v", lineNo, err)
			}
			df, ok := byName[value]
			if !ok {
				df = &DataFile{OriginalName: value, TransferName: value, Format: key, SourceName: pendingSource}
				byName[value] = df
				j.DataFiles = append(j.DataFiles, df)
				pendingSource = ""
			}
			df.Copies++
		case key == 'N':
			pendingSource = value
		case key == 'U':
			// Unlink lines are regenerated on write.
		default:
			j.setField(key, value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(ErrMalformedControl, "%v", err)
	}
	return j, nil
}

func (j *Job) setField(key byte, value string) {
	switch key {
	case 'H':
		j.Host = value
	case 'P':
		j.User = value
	case 'A':
		j.Identifier = value
	case 'J':
		j.JobName = value
	case 'C':
		j.Class = value
	case 'L':
		j.Banner = value
	case 'M':
		j.MailTo = value
	case 'T':
		j.Title = value
	case 'Q':
		j.Queue = value
	case 'D':
		j.Date = value
	case 'Z':
		j.Auth = value
	default:
		j.Extra = append(j.Extra, Line{Key: key, Value: value})
	}
}

// Lines returns the capability lines in canonical order, without data file lines.
func (j *Job) Lines() []Line {
	var lines []Line
	add := func(key byte, v string) {
		if v != "" {
			lines = append(lines, Line{Key: key, Value: v})
		}
	}
	add('H', j.Host)
	add('P', j.User)
	add('A', j.Identifier)
	add('J', j.JobName)
	add('C', j.Class)
	add('L', j.Banner)
	add('M', j.MailTo)
	add('T', j.Title)
	add('Q', j.Queue)
	add('D', j.Date)
	add('Z', j.Auth)
	return append(lines, j.Extra...)
}

// ControlBytes renders the control file. Data files are referenced by transfer name.
func (j *Job) ControlBytes() []byte {
	var buf bytes.Buffer
	for _, l := range j.Lines() {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}
	for _, df := range j.DataFiles {
		if df.SourceName != "" {
			buf.WriteString("N" + df.SourceName + "\n")
		}
		copies := df.Copies
		if copies < 1 {
			copies = 1
		}
		for i := 0; i < copies; i++ {
			buf.WriteByte(df.Format)
			buf.WriteString(df.TransferName)
			buf.WriteByte('\n')
		}
	}
	for _, df := range j.DataFiles {
		buf.WriteString("U" + df.TransferName + "\n")
	}
	return buf.Bytes()
}

// Lookup returns the value of the first line with key, checking typed fields first.
func (j *Job) Lookup(key byte) (string, bool) {
	for _, l := range j.Lines() {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}
