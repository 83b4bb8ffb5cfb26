package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = ".llmd.yaml"

// Config holds all the command-line flag values.
type Config struct {
	Buffer         bool
	Nvim           bool
	DryRun         bool
	Undo           bool
	Redo           bool
	Watch          bool
	Verbose        bool
	NoAnimation    bool
	Extensions     []string
	LookupDirs     []string
	Input          string
	MergeCmd       string
	AnnotationsCSV string
	TraceFile      string
	ConfigFile     string
}

// FileConfig is the shape of .llmd.yaml. Every key defaults the flag of
// the same name.
type FileConfig struct {
	Buffer         bool     `yaml:"buffer"`
	Nvim           bool     `yaml:"nvim"`
	Verbose        bool     `yaml:"verbose"`
	NoAnimation    bool     `yaml:"no_animation"`
	Extensions     []string `yaml:"extensions"`
	LookupDirs     []string `yaml:"lookup_dirs"`
	MergeCmd       string   `yaml:"merge_cmd"`
	AnnotationsCSV string   `yaml:"annotations_csv"`
	TraceFile      string   `yaml:"trace_file"`
}

// ParseFlags defines and parses command-line flags using pflag, then fills
// unset flags from the config file.
func ParseFlags(args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	flags := pflag.NewFlagSet("llmd", pflag.ContinueOnError)
	flags.SetOutput(output)

	flags.BoolVarP(&cfg.Buffer, "buffer", "b", false, "Update buffers in Neovim without saving them to disk (implies --nvim).")
	flags.BoolVar(&cfg.Nvim, "nvim", false, "Apply edits through Neovim buffers instead of writing files directly.")
	flags.BoolVarP(&cfg.DryRun, "dry-run", "n", false, "Print a preview of every edit without writing anything.")
	flags.BoolVar(&cfg.NoAnimation, "no-animation", false, "Disable loading spinner and progress updates.")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log every pipeline step to stderr.")
	flags.BoolVarP(&cfg.Watch, "watch", "w", false, "Re-run whenever the --input file changes.")
	flags.StringSliceVarP(&cfg.Extensions, "extension", "e", []string{}, "Filter by extension. Use 'diff' to process only diff blocks (e.g., 'py', 'js', 'diff').")
	flags.StringSliceVarP(&cfg.LookupDirs, "lookup-dir", "l", []string{}, "Directories to resolve relative paths against (default: current directory).")
	flags.StringVarP(&cfg.Input, "input", "i", "", "Read the reply from a file instead of stdin or the clipboard.")
	flags.StringVar(&cfg.MergeCmd, "merge-cmd", "", "Command merging a file block into the current content (reads $LLMD_BEFORE and $LLMD_CANDIDATE, prints the result).")
	flags.StringVar(&cfg.AnnotationsCSV, "annotations-csv", "", "Write annotations to this CSV file.")
	flags.StringVar(&cfg.TraceFile, "trace-file", "", "Write the run trace to this file (.html renders it).")
	flags.StringVarP(&cfg.ConfigFile, "config", "c", "", "Config file (default: ./"+DefaultConfigFile+" when present).")

	flags.BoolVarP(&cfg.Undo, "undo", "u", false, "Undo the last operation.")
	flags.BoolVarP(&cfg.Redo, "redo", "r", false, "Redo the last undone operation.")

	flags.Usage = func() {
		fmt.Fprintln(output, "Usage: llmd [flags]")
		fmt.Fprintln(output, "\nMaterialize the code blocks of an LLM reply (stdin, clipboard or --input) into file edits.")
		fmt.Fprintln(output, "\nExample: pbpaste | llmd -e go")
		fmt.Fprintln(output, "\nFlags:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := applyConfigFile(cfg, flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Extensions = NormalizeExtensions(cfg.Extensions)
	if cfg.Buffer {
		cfg.Nvim = true
	}
	return cfg, nil
}

// Validate rejects conflicting flags.
func (c *Config) Validate() error {
	if c.Undo && c.Redo {
		return fmt.Errorf("error: --undo and --redo are mutually exclusive")
	}
	if c.Watch && c.Input == "" {
		return fmt.Errorf("error: --watch requires --input")
	}
	if c.Watch && (c.Undo || c.Redo) {
		return fmt.Errorf("error: --watch cannot be combined with --undo or --redo")
	}
	return nil
}

// NormalizeExtensions prefixes every extension with a dot.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		if ext == "" {
			continue
		}
		if ext[0] != '.' {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

func applyConfigFile(cfg *Config, flags *pflag.FlagSet) error {
	path := cfg.ConfigFile
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	fc, err := LoadConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load config: %w", err)
	}

	setBool := func(name string, dst *bool, v bool) {
		if !flags.Changed(name) && v {
			*dst = v
		}
	}
	setString := func(name string, dst *string, v string) {
		if !flags.Changed(name) && v != "" {
			*dst = v
		}
	}
	setSlice := func(name string, dst *[]string, v []string) {
		if !flags.Changed(name) && len(v) > 0 {
			*dst = v
		}
	}

	setBool("buffer", &cfg.Buffer, fc.Buffer)
	setBool("nvim", &cfg.Nvim, fc.Nvim)
	setBool("verbose", &cfg.Verbose, fc.Verbose)
	setBool("no-animation", &cfg.NoAnimation, fc.NoAnimation)
	setSlice("extension", &cfg.Extensions, fc.Extensions)
	setSlice("lookup-dir", &cfg.LookupDirs, fc.LookupDirs)
	setString("merge-cmd", &cfg.MergeCmd, fc.MergeCmd)
	setString("annotations-csv", &cfg.AnnotationsCSV, fc.AnnotationsCSV)
	setString("trace-file", &cfg.TraceFile, fc.TraceFile)
	return nil
}
