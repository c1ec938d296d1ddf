package script

import (
	"fmt"
	"strings"
)

// Dialect describes one scheduler's directive syntax and its default
// settings. Defaults are listed in emission order; a nil value declares the
// option without emitting it.
type Dialect struct {
	Name     string
	Prefix   string
	Submit   string
	NameKey  string
	ArrayKey string // "" when the dialect has no array directive
	Defaults []Option
}

// Option is one directive key with an optional default value.
type Option struct {
	Key   string
	Value *string
}

func str(s string) *string { return &s }

// Slurm uses "#SBATCH --key=value" directives.
var Slurm = Dialect{
	Name:     "slurm",
	Prefix:   "SBATCH",
	Submit:   "sbatch",
	NameKey:  "--job-name",
	ArrayKey: "--array",
	Defaults: []Option{
		{Key: "--job-name"},
		{Key: "--error", Value: str("error.log")},
		{Key: "--output", Value: str("output.log")},
		{Key: "--nodes", Value: str("1")},
		{Key: "--partition", Value: str("west,short")},
		{Key: "--exclude", Value: str("c5003")},
		{Key: "--mem", Value: str("8Gb")},
		{Key: "--time", Value: str("1:00:00")},
		{Key: "--cpus-per-task", Value: str("4")},
		{Key: "--array"},
	},
}

// LSF uses "#BSUB -k=value" directives with short keys.
var LSF = Dialect{
	Name:    "lsf",
	Prefix:  "BSUB",
	Submit:  "bsub",
	NameKey: "-J",
	Defaults: []Option{
		{Key: "-J"},
		{Key: "-e", Value: str("error.log")},
		{Key: "-o", Value: str("output.log")},
		{Key: "-n", Value: str("4")},
		{Key: "-q", Value: str("short")},
		{Key: "-M", Value: str("8G")},
		{Key: "-W", Value: str("1:00")},
		{Key: "-R"},
	},
}

// Dialects lists the supported dialects by name.
var Dialects = map[string]Dialect{
	Slurm.Name: Slurm,
	LSF.Name:   LSF,
}

// Lookup returns the dialect called name.
func Lookup(name string) (Dialect, error) {
	d, ok := Dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("script: unknown dialect %q", name)
	}
	return d, nil
}

// Directive renders one directive line without its newline.
func (d Dialect) Directive(key, value string) string {
	return fmt.Sprintf("#%s %s=%s", d.Prefix, key, value)
}
