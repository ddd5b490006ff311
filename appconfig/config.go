// Package appconfig reads the evaluation config file and resolves it, with
// command-line overrides, into the settings of one evaluation run.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/stevecastle/spadeval/dataset"
	"github.com/stevecastle/spadeval/downloads"
	"github.com/stevecastle/spadeval/model"
	"github.com/stevecastle/spadeval/platform"
)

// ParamsSection holds run-wide settings; Params.Option names the section
// holding the model's settings.
const ParamsSection = "params"

// S3Section holds credentials for s3:// sources.
const S3Section = "s3"

// NoiseLevel is one checkpoint to evaluate.
type NoiseLevel struct {
	Index      int
	Checkpoint string
}

// Config is a fully resolved evaluation setup.
type Config struct {
	Option    string
	ModelName string
	GPU       string
	Noise     []NoiseLevel

	TestFiles    string
	OutDatapath  string
	SpadDatapath string
	MonoDatapath string
	MatricesOut  string

	ONNXModel  string
	ORTLibrary string

	BatchSize int
	DBPath    string
	CacheDir  string
	Report    bool
	S3        downloads.S3Options
}

// Overrides are command-line values that replace config file entries.
// Empty strings leave the file's value in place.
type Overrides struct {
	Option       string
	GPU          string
	NoiseIdx     string
	TestFiles    string
	OutDatapath  string
	SpadDatapath string
	MonoDatapath string
	MatricesOut  string
	DBPath       string
	Report       bool
}

var (
	cfgMu sync.RWMutex
	cfg   = defaultConfig()
)

func defaultConfig() Config {
	return Config{
		GPU:       "0",
		BatchSize: dataset.DefaultBatchSize,
		DBPath:    defaultDBPath(),
		CacheDir:  platform.GetCacheDir(),
	}
}

func defaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "spadeval.db")
}

// Get returns the config of the current run.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the config of the current run.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// Load reads the config file at path, applies overrides and resolves it.
// The resolved config becomes the current one.
func Load(path string, o Overrides) (Config, error) {
	f, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Resolve(f, o)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return Config{}, fmt.Errorf("failed to create database directory %s: %v", filepath.Dir(c.DBPath), err)
	}
	Set(c)
	return c, nil
}

// Apply writes overrides into f. Per-option overrides land in the section
// named by the (possibly overridden) option.
func (o Overrides) Apply(f *File) error {
	if o.Option != "" {
		f.Set(ParamsSection, "option", o.Option)
	}
	if o.GPU != "" {
		f.Set(ParamsSection, "gpu", o.GPU)
	}
	if o.NoiseIdx != "" {
		f.Set(ParamsSection, "ckpt_noise_param_idx", o.NoiseIdx)
	}
	if o.DBPath != "" {
		f.Set(ParamsSection, "db_path", o.DBPath)
	}
	if o.Report {
		f.Set(ParamsSection, "report", "true")
	}

	perOption := map[string]string{
		"test_files":    o.TestFiles,
		"out_datapath":  o.OutDatapath,
		"spad_datapath": o.SpadDatapath,
		"mono_datapath": o.MonoDatapath,
		"matrices_out":  o.MatricesOut,
	}
	var option string
	for k, v := range perOption {
		if v == "" {
			continue
		}
		if option == "" {
			var err error
			if option, err = f.Get(ParamsSection, "option"); err != nil {
				return err
			}
		}
		f.Set(option, k, v)
	}
	return nil
}

// Resolve applies overrides to f and reads every setting of a run. Missing
// required keys wrap ErrMissingKey; an unregistered model_name wraps
// model.ErrUnknownModel.
func Resolve(f *File, o Overrides) (Config, error) {
	if err := o.Apply(f); err != nil {
		return Config{}, err
	}
	c := defaultConfig()

	var err error
	if c.Option, err = f.Get(ParamsSection, "option"); err != nil {
		return Config{}, err
	}
	if !f.HasSection(c.Option) {
		return Config{}, fmt.Errorf("%w: no section [%s] for option %q", ErrMissingKey, c.Option, c.Option)
	}
	if c.GPU, err = f.GetDefault(ParamsSection, "gpu", c.GPU); err != nil {
		return Config{}, err
	}

	if c.ModelName, err = f.Get(c.Option, "model_name"); err != nil {
		return Config{}, err
	}
	if !model.Known(c.ModelName) {
		return Config{}, fmt.Errorf("[%s] model_name: %w %q (known: %v)", c.Option, model.ErrUnknownModel, c.ModelName, model.Names())
	}

	required := []struct {
		key string
		dst *string
	}{
		{"test_files", &c.TestFiles},
		{"out_datapath", &c.OutDatapath},
		{"spad_datapath", &c.SpadDatapath},
		{"mono_datapath", &c.MonoDatapath},
		{"matrices_out", &c.MatricesOut},
	}
	for _, r := range required {
		if *r.dst, err = f.Get(c.Option, r.key); err != nil {
			return Config{}, err
		}
	}
	if c.ONNXModel, err = f.GetDefault(c.Option, "onnx_model", ""); err != nil {
		return Config{}, err
	}
	if c.ORTLibrary, err = f.GetDefault(c.Option, "ort_library", ""); err != nil {
		return Config{}, err
	}

	if c.Noise, err = noiseLevels(f, c.Option); err != nil {
		return Config{}, err
	}

	if s, err := f.GetDefault(ParamsSection, "batch_size", ""); err != nil {
		return Config{}, err
	} else if s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("[%s] batch_size: want a positive integer, got %q", ParamsSection, s)
		}
		c.BatchSize = n
	}
	if c.DBPath, err = f.GetDefault(ParamsSection, "db_path", c.DBPath); err != nil {
		return Config{}, err
	}
	if c.CacheDir, err = f.GetDefault(ParamsSection, "cache_dir", c.CacheDir); err != nil {
		return Config{}, err
	}
	if s, err := f.GetDefault(ParamsSection, "report", "false"); err != nil {
		return Config{}, err
	} else if c.Report, err = strconv.ParseBool(s); err != nil {
		return Config{}, fmt.Errorf("[%s] report: %w", ParamsSection, err)
	}

	if c.S3, err = s3Options(f); err != nil {
		return Config{}, err
	}
	return c, nil
}

var noiseKey = regexp.MustCompile(`^ckpt_noise_param_(\d+)$`)

// noiseLevels reads ckpt_noise_param_idx, a list of indices separated by
// commas or spaces. 0 or an absent key selects every ckpt_noise_param_<n>
// of the option section.
func noiseLevels(f *File, option string) ([]NoiseLevel, error) {
	raw, err := f.GetDefault(ParamsSection, "ckpt_noise_param_idx", "0")
	if err != nil {
		return nil, err
	}
	var idx []int
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("[%s] ckpt_noise_param_idx: invalid index %q", ParamsSection, field)
		}
		if n == 0 {
			idx = nil
			break
		}
		idx = append(idx, n)
	}

	if len(idx) == 0 {
		for _, k := range f.Keys(option) {
			if m := noiseKey.FindStringSubmatch(k); m != nil {
				n, _ := strconv.Atoi(m[1])
				idx = append(idx, n)
			}
		}
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: [%s] has no ckpt_noise_param_<n> entries", ErrMissingKey, option)
		}
		sort.Ints(idx)
	}

	levels := make([]NoiseLevel, 0, len(idx))
	for _, n := range idx {
		ckpt, err := f.Get(option, "ckpt_noise_param_"+strconv.Itoa(n))
		if err != nil {
			return nil, err
		}
		levels = append(levels, NoiseLevel{Index: n, Checkpoint: ckpt})
	}
	return levels, nil
}

func s3Options(f *File) (downloads.S3Options, error) {
	var o downloads.S3Options
	if !f.HasSection(S3Section) {
		return o, nil
	}
	fields := []struct {
		key string
		dst *string
	}{
		{"region", &o.Region},
		{"endpoint", &o.Endpoint},
		{"access_key", &o.AccessKey},
		{"secret_key", &o.SecretKey},
	}
	for _, fl := range fields {
		v, err := f.GetDefault(S3Section, fl.key, "")
		if err != nil {
			return o, err
		}
		*fl.dst = v
	}
	ps, err := f.GetDefault(S3Section, "path_style", "false")
	if err != nil {
		return o, err
	}
	if o.PathStyle, err = strconv.ParseBool(ps); err != nil {
		return o, fmt.Errorf("[%s] path_style: %w", S3Section, err)
	}
	return o, nil
}

// ForNoise returns the output directory and metrics file of one noise level.
// A {noise} placeholder in out_datapath or matrices_out is replaced by the
// index; without one, runs over several levels get a noise<n> subdirectory
// and a _noise<n> file suffix so they do not overwrite each other.
func (c Config) ForNoise(n int) (outDatapath, matricesOut string) {
	idx := strconv.Itoa(n)
	outDatapath, matricesOut = c.OutDatapath, c.MatricesOut

	if strings.Contains(outDatapath, dataset.NoisePlaceholder) {
		outDatapath = strings.ReplaceAll(outDatapath, dataset.NoisePlaceholder, idx)
	} else if len(c.Noise) > 1 {
		outDatapath = filepath.Join(outDatapath, "noise"+idx)
	}

	if strings.Contains(matricesOut, dataset.NoisePlaceholder) {
		matricesOut = strings.ReplaceAll(matricesOut, dataset.NoisePlaceholder, idx)
	} else if len(c.Noise) > 1 {
		ext := filepath.Ext(matricesOut)
		matricesOut = strings.TrimSuffix(matricesOut, ext) + "_noise" + idx + ext
	}
	return outDatapath, matricesOut
}

// OutRoot returns the directory every noise level writes under: out_datapath
// up to the first path element holding a {noise} placeholder.
func (c Config) OutRoot() string {
	out := filepath.Clean(c.OutDatapath)
	for strings.Contains(out, dataset.NoisePlaceholder) {
		out = filepath.Dir(out)
	}
	return out
}

// Template is written by WriteTemplate as a starting point.
const Template = `params:
  option: SPADnet
  gpu: "0"
  # 0 evaluates every ckpt_noise_param_<n> below
  ckpt_noise_param_idx: 0
  batch_size: 2
  report: false

SPADnet:
  model_name: SPADnet
  root: ./data
  ckpt_noise_param_1: ${root}/checkpoints/spadnet_noise1.npz
  test_files: ${root}/test_files.txt
  out_datapath: ${root}/out
  spad_datapath: ${root}/spad
  mono_datapath: ${root}/mono
  matrices_out: ${root}/out/matrices.json
  onnx_model: ${root}/spadnet.onnx
`

// WriteTemplate writes Template to path unless a file already exists there.
// It reports whether a file was written.
func WriteTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(Template), 0644); err != nil {
		return false, fmt.Errorf("failed to write config file: %v", err)
	}
	return true, nil
}
