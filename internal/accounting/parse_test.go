package accounting

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobtrack/internal/runner/runnertest"
	"github.com/ChuLiYu/jobtrack/pkg/types"
)

func TestParseSnapshot(t *testing.T) {
	out := runnertest.Sacct(
		"4242 train RUNNING",
		"4242.batch batch RUNNING",
		"4242.extern extern RUNNING",
	)

	snap, err := ParseSnapshot(out)
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, types.Record{ID: "4242", Name: "train", Status: types.StatusRunning}, snap.Records[0])
	assert.Equal(t, types.JobID("4242.extern"), snap.Records[2].ID)
	assert.Equal(t, out, snap.Raw)

	rec, ok := snap.Lookup("4242.batch")
	assert.True(t, ok)
	assert.Equal(t, "batch", rec.Name)
	_, ok = snap.Lookup("9999")
	assert.False(t, ok)
}

func TestParseSnapshot_QualifiedState(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct("77 sim CANCELLED by 1000"))
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, types.StatusCancelled, snap.Records[0].Status)
}

func TestParseSnapshot_SpacedJobName(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct(
		"42|my job|COMPLETED",
		"43|a b c|CANCELLED by 0",
		"44|a very long job name|RUNNING",
	))
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, types.Record{ID: "42", Name: "my job", Status: types.StatusCompleted}, snap.Records[0])
	assert.Equal(t, types.Record{ID: "43", Name: "a b c", Status: "CANCELLED by 0"}, snap.Records[1])
	assert.Equal(t, types.Record{ID: "44", Name: "a very long job name", Status: types.StatusRunning}, snap.Records[2],
		"a row wider than the separator falls back to the state vocabulary")
}

func TestParseSnapshot_NoSeparator(t *testing.T) {
	tests := []struct {
		row  string
		want types.Record
	}{
		{"42 train RUNNING", types.Record{ID: "42", Name: "train", Status: types.StatusRunning}},
		{"42 my job COMPLETED", types.Record{ID: "42", Name: "my job", Status: types.StatusCompleted}},
		{"42 RUNNING late FAILED", types.Record{ID: "42", Name: "RUNNING late", Status: types.StatusFailed}},
		{"42 sim CANCELLED by 1000", types.Record{ID: "42", Name: "sim", Status: "CANCELLED by 1000"}},
		{"42 sim WEIRD", types.Record{ID: "42", Name: "sim", Status: "WEIRD"}},
	}
	for _, tt := range tests {
		t.Run(tt.row, func(t *testing.T) {
			snap, err := ParseSnapshot("JobID JobName State\n" + tt.row + "\n")
			require.NoError(t, err)
			require.Len(t, snap.Records, 1)
			assert.Equal(t, tt.want, snap.Records[0])
		})
	}
}

func TestParseSnapshot_HeaderOnly(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestParseSnapshot_BadHeader(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty output", ""},
		{"reordered columns", "JobName JobID State\n---- ---- ----\n1 x RUNNING\n"},
		{"extra column", "JobID JobName State ExitCode\n---- ---- ---- ----\n"},
		{"missing column", "JobID State\n---- ----\n"},
		{"lowercase", "jobid jobname state\n"},
		{"error text", "sacct: error: Problem talking to the database\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseSnapshot(tt.output)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat))

			var fe *FormatError
			require.True(t, errors.As(err, &fe))
			assert.Empty(t, snap.Records, "no status may be returned on a format error")
		})
	}
}

func TestParseSnapshot_ShortRow(t *testing.T) {
	_, err := ParseSnapshot("JobID JobName State\n------ ------ ------\n12 onlyname\n")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestMatchRecord(t *testing.T) {
	tests := []struct {
		name    string
		rows    []string
		id      types.JobID
		want    types.Status
		wantErr error
	}{
		{"exact", []string{"100 a COMPLETED"}, "100", types.StatusCompleted, nil},
		{"own row preferred over steps", []string{"100.batch batch FAILED", "100 a RUNNING"}, "100", types.StatusRunning, nil},
		{"array member prefix", []string{"100_3 a RUNNING"}, "100", types.StatusRunning, nil},
		{"pending array range", []string{"100_[1-5] a PENDING"}, "100", types.StatusPending, nil},
		{"step prefix", []string{"100.batch batch FAILED"}, "100", types.StatusFailed, nil},
		{"other job", []string{"101 a RUNNING"}, "100", "", ErrIdentityMismatch},
		{"numeric prefix is not membership", []string{"1000 a RUNNING"}, "100", "", ErrIdentityMismatch},
		{"no rows", nil, "100", "", ErrJobNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseSnapshot(runnertest.Sacct(tt.rows...))
			require.NoError(t, err)

			rec, err := MatchRecord(snap, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestArrayMembers(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct(
		"500_10 sweep PENDING",
		"500_2 sweep RUNNING",
		"500_2.batch batch RUNNING",
		"500_1 sweep COMPLETED",
		"500_2 sweep RUNNING",
		"500_[11-20] sweep PENDING",
		"501_1 other RUNNING",
		"500 parent RUNNING",
	))
	require.NoError(t, err)

	members := ArrayMembers(snap, "500")
	assert.Equal(t, []types.JobID{"500_1", "500_2", "500_10"}, members,
		"members are de-duplicated, ordered numerically, and scoped to the array")
}

func TestPendingRange(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct(
		"500_1 sweep RUNNING",
		"500_[3-4%2] sweep PENDING",
	))
	require.NoError(t, err)
	assert.True(t, PendingRange(snap, "500"))
	assert.False(t, PendingRange(snap, "50"))

	snap, err = ParseSnapshot(runnertest.Sacct("500_1 sweep RUNNING", "501_[2-3] other PENDING"))
	require.NoError(t, err)
	assert.False(t, PendingRange(snap, "500"))
}

func TestArrayMembers_NoneDispatched(t *testing.T) {
	snap, err := ParseSnapshot(runnertest.Sacct("500_[1-4] sweep PENDING"))
	require.NoError(t, err)
	assert.Empty(t, ArrayMembers(snap, "500"))
}

func TestParseSubmissionID(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    types.JobID
		wantErr bool
	}{
		{"sbatch", "Submitted batch job 4242\n", "4242", false},
		{"bsub", "Job <5150> is submitted to queue <short>.\n", "5150", false},
		{"bare id", "17", "17", false},
		{"extra whitespace", "  Submitted batch job   9001  \n\n", "9001", false},
		{"empty", "", "", true},
		{"error message", "sbatch: error: Batch job submission failed: Invalid partition name specified", "", true},
		{"trailing text", "Submitted batch job 12 on cluster west", "", true},
		{"negative", "job -4", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseSubmissionID(tt.output)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoSubmissionID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestCountUserLines(t *testing.T) {
	out := "JOBID PARTITION NAME USER ST TIME NODES\n" +
		"101 short train harris.s R 1:00 1\n" +
		"102 short train harris.s PD 0:00 1\n" +
		"103 short other someone R 2:00 1\n"

	assert.Equal(t, 2, CountUserLines(out, "harris.se"), "long names match on the truncated column")
	assert.Equal(t, 1, CountUserLines(out, "someone"))
	assert.Equal(t, 0, CountUserLines(out, "nobody"))
}

func TestCountUserLines_Capped(t *testing.T) {
	line := "1 short job alice R 0:01 1\n"
	out := ""
	for i := 0; i < MaxQueueLines+50; i++ {
		out += line
	}
	assert.Equal(t, MaxQueueLines, CountUserLines(out, "alice"))
}
