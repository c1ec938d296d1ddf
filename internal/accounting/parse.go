package accounting

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// ExpectedHeader is the column contract of the accounting query.
var ExpectedHeader = []string{"JobID", "JobName", "State"}

// QueryFormat is the --format argument matching ExpectedHeader.
const QueryFormat = "--format=JobID,JobName,State"

// Snapshot is the parsed result of one accounting query.
type Snapshot struct {
	Raw     string
	Records []types.Record
}

// Empty reports whether the query returned no data rows.
func (s Snapshot) Empty() bool {
	return len(s.Records) == 0
}

// Lookup returns the first row for id.
func (s Snapshot) Lookup(id types.JobID) (types.Record, bool) {
	for _, r := range s.Records {
		if r.ID == id {
			return r, true
		}
	}
	return types.Record{}, false
}

// ParseSnapshot parses tabular accounting output. Line 0 must be exactly the
// expected header; a following line made only of dashes is the separator.
// sacct pads every column to the width of its dash run, so when a separator
// is present rows are sliced at its column offsets and job names may contain
// spaces. Rows without a separator, or wider than it, fall back to
// parseFields.
func ParseSnapshot(output string) (Snapshot, error) {
	lines := strings.Split(strings.TrimRight(output, "\n \t"), "\n")
	header := strings.Fields(lines[0])
	if !headerMatches(header) {
		return Snapshot{}, &FormatError{Header: header, Output: output}
	}

	snap := Snapshot{Raw: output}
	var cols []column
	for i, line := range lines[1:] {
		if i == 0 && isSeparator(line) {
			cols = columns(line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := sliceRow(line, cols)
		if !ok {
			rec, ok = parseFields(line)
		}
		if !ok {
			return Snapshot{}, &FormatError{Header: header, Output: output}
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// column is the [start, end) byte range of one dash run in the separator.
type column struct {
	start, end int
}

func columns(separator string) []column {
	var cols []column
	start := -1
	for i, c := range separator {
		switch {
		case c == '-' && start < 0:
			start = i
		case c != '-' && start >= 0:
			cols = append(cols, column{start, i})
			start = -1
		}
	}
	if start >= 0 {
		cols = append(cols, column{start, len(separator)})
	}
	if len(cols) != len(ExpectedHeader) {
		return nil
	}
	return cols
}

// sliceRow cuts line at the separator offsets. The last column takes the
// rest of the line so " by <uid>" qualifiers survive. A row whose text
// crosses a column gap is not aligned and is rejected.
func sliceRow(line string, cols []column) (types.Record, bool) {
	if cols == nil || len(line) <= cols[len(cols)-1].start {
		return types.Record{}, false
	}
	for _, c := range cols[1:] {
		if line[c.start-1] != ' ' {
			return types.Record{}, false
		}
	}
	id := strings.TrimSpace(line[cols[0].start:cols[0].end])
	name := strings.TrimSpace(line[cols[1].start:cols[1].end])
	state := strings.TrimSpace(line[cols[2].start:])
	if id == "" || state == "" {
		return types.Record{}, false
	}
	return types.Record{ID: types.JobID(id), Name: name, Status: types.Status(state)}, true
}

// parseFields splits a row on whitespace. The state is the rightmost token
// from the scheduler vocabulary and everything after it, so a job name with
// spaces or a state qualifier does not shift the columns. If no token is
// recognised the third field is taken as the state.
func parseFields(line string) (types.Record, bool) {
	fields := strings.Fields(line)
	if len(fields) < len(ExpectedHeader) {
		return types.Record{}, false
	}
	at := 2
	for k := len(fields) - 1; k >= 2; k-- {
		if types.Status(fields[k]).Known() {
			at = k
			break
		}
	}
	return types.Record{
		ID:     types.JobID(fields[0]),
		Name:   strings.Join(fields[1:at], " "),
		Status: types.Status(strings.Join(fields[at:], " ")),
	}, true
}

func headerMatches(header []string) bool {
	if len(header) != len(ExpectedHeader) {
		return false
	}
	for i, col := range ExpectedHeader {
		if header[i] != col {
			return false
		}
	}
	return true
}

func isSeparator(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && strings.Trim(line, "- ") == ""
}

// MatchRecord returns the row for id itself when present, otherwise the first
// data row of snap, which must belong to id as a composite array member/step
// identifier prefixed by id.
func MatchRecord(snap Snapshot, id types.JobID) (types.Record, error) {
	if snap.Empty() {
		return types.Record{}, &JobNotFoundError{ID: id, Attempts: 1}
	}
	if rec, ok := snap.Lookup(id); ok {
		return rec, nil
	}
	first := snap.Records[0]
	if !belongsTo(first.ID, id) {
		return types.Record{}, &IdentityMismatchError{Want: id, Got: first.ID}
	}
	return first, nil
}

func belongsTo(row, id types.JobID) bool {
	if row == id {
		return true
	}
	rest, ok := strings.CutPrefix(string(row), string(id))
	return ok && (strings.HasPrefix(rest, "_") || strings.HasPrefix(rest, "."))
}

var memberPattern = regexp.MustCompile(`^(\d+)_(\d+)$`)

// ArrayMembers scans snap for composite identifiers "<digits>_<digits>"
// belonging to arrayID, returning them de-duplicated and ordered by index.
// Pending ranges such as "123_[4-9]" do not match.
func ArrayMembers(snap Snapshot, arrayID types.JobID) []types.JobID {
	seen := make(map[types.JobID]int)
	for _, r := range snap.Records {
		m := memberPattern.FindStringSubmatch(string(r.ID))
		if m == nil || m[1] != string(arrayID) {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		seen[r.ID] = idx
	}

	members := make([]types.JobID, 0, len(seen))
	for id := range seen {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool {
		return seen[members[i]] < seen[members[j]]
	})
	return members
}

var rangePattern = regexp.MustCompile(`^(\d+)_\[`)

// PendingRange reports whether snap still lists undispatched members of
// arrayID as a range row such as "123_[4-9%2]".
func PendingRange(snap Snapshot, arrayID types.JobID) bool {
	for _, r := range snap.Records {
		if m := rangePattern.FindStringSubmatch(string(r.ID)); m != nil && m[1] == string(arrayID) {
			return true
		}
	}
	return false
}

var lsfSubmitPattern = regexp.MustCompile(`Job <(\d+)> is submitted`)

// ParseSubmissionID extracts the job id from submit tool output. sbatch ends
// its output with the id as the last whitespace-delimited token
// ("Submitted batch job 4242"); bsub reports
// "Job <4242> is submitted to queue <short>.".
func ParseSubmissionID(output string) (types.JobID, error) {
	if m := lsfSubmitPattern.FindStringSubmatch(output); m != nil {
		return types.JobID(m[1]), nil
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return "", ErrNoSubmissionID
	}
	last := fields[len(fields)-1]
	if _, err := strconv.ParseUint(last, 10, 64); err != nil {
		return "", ErrNoSubmissionID
	}
	return types.JobID(last), nil
}
