// Package config loads the pipeline configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env file
// and DETECTION_REASONER_* environment variables, then command-line flags
// applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/nms"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DETECTION_REASONER_"

// Paths lists the directories and files a run reads and writes.
type Paths struct {
	RawPredictions string `yaml:"raw_predictions_dir"`
	GroundTruth    string `yaml:"ground_truth_dir"`
	Images         string `yaml:"image_dir"`

	// Output is the parent of every derived directory left empty below.
	Output             string `yaml:"output_dir"`
	NMSPredictions     string `yaml:"nms_predictions_dir"`
	RefinedPredictions string `yaml:"refined_predictions_dir"`
	Reports            string `yaml:"reports_dir"`
	KnowledgeGraph     string `yaml:"kg_dir"`
	Annotated          string `yaml:"annotated_dir"`

	Rules       string `yaml:"rules_file"`
	Zones       string `yaml:"zones_file"`
	StaticFacts string `yaml:"static_facts_file"`
	Database    string `yaml:"database"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete pipeline configuration.
type Config struct {
	Paths Paths `yaml:"paths"`

	// InputFormat is auto, normalized or oriented.
	InputFormat string `yaml:"input_format"`

	// ImageWidth and ImageHeight denormalize normalized records when no image
	// directory is configured.
	ImageWidth  int `yaml:"image_width"`
	ImageHeight int `yaml:"image_height"`

	ClassMap map[int]string `yaml:"class_map"`

	// Workers bounds the number of images processed at once.
	Workers int `yaml:"workers"`

	NMS        nms.Options        `yaml:"nms"`
	Spatial    spatial.Options    `yaml:"spatial"`
	Evaluation evaluation.Options `yaml:"evaluation"`
	Graph      graph.DotOptions   `yaml:"graph"`
	Log        Log                `yaml:"log"`
}

// DefaultImageSize is the DOTA tile edge used when nothing else is known.
const DefaultImageSize = 1024

// Default returns the built-in configuration.
func Default() Config {
	classes := make(map[int]string, len(detection.DOTAClasses))
	for i, n := range detection.DOTAClasses {
		classes[i] = n
	}
	return Config{
		Paths:       Paths{Output: "output"},
		InputFormat: "auto",
		ImageWidth:  DefaultImageSize,
		ImageHeight: DefaultImageSize,
		ClassMap:    classes,
		Workers:     4,
		NMS:         nms.DefaultOptions(),
		Spatial:     spatial.DefaultOptions(),
		Evaluation:  evaluation.DefaultOptions(),
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Load returns the defaults overlaid with the YAML file at path, the .env file
// in the working directory and the environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, Wrap(path, fmt.Errorf("failed to open config: %w", err))
		}
		defer f.Close()
		if cfg, err = Decode(f, path); err != nil {
			return Config{}, err
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Decode overlays the YAML document in r onto the defaults. A class_map in the
// document replaces the default one rather than merging with it.
func Decode(r io.Reader, source string) (Config, error) {
	cfg := Default()
	cfg.ClassMap = nil
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, Wrap(source, fmt.Errorf("failed to parse config: %w", err))
	}
	if cfg.ClassMap == nil {
		cfg.ClassMap = Default().ClassMap
	}
	return cfg, nil
}

// LoadDotEnv loads path into the environment if it exists. Variables already
// set are left untouched.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return Wrap(path, fmt.Errorf("failed to load env file: %w", err))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ApplyEnv overrides c from DETECTION_REASONER_* variables.
func (c *Config) ApplyEnv() {
	c.Paths.RawPredictions = getEnv("RAW_PREDICTIONS_DIR", c.Paths.RawPredictions)
	c.Paths.GroundTruth = getEnv("GROUND_TRUTH_DIR", c.Paths.GroundTruth)
	c.Paths.Images = getEnv("IMAGE_DIR", c.Paths.Images)
	c.Paths.Output = getEnv("OUTPUT_DIR", c.Paths.Output)
	c.Paths.Rules = getEnv("RULES_FILE", c.Paths.Rules)
	c.Paths.Zones = getEnv("ZONES_FILE", c.Paths.Zones)
	c.Paths.StaticFacts = getEnv("STATIC_FACTS_FILE", c.Paths.StaticFacts)
	c.Paths.Database = getEnv("DATABASE", c.Paths.Database)
	c.InputFormat = getEnv("INPUT_FORMAT", c.InputFormat)
	c.ImageWidth = getEnvAsInt("IMAGE_WIDTH", c.ImageWidth)
	c.ImageHeight = getEnvAsInt("IMAGE_HEIGHT", c.ImageHeight)
	c.Workers = getEnvAsInt("WORKERS", c.Workers)
	c.NMS.IoUThreshold = getEnvAsFloat("NMS_IOU_THRESHOLD", c.NMS.IoUThreshold)
	c.NMS.ClassAgnostic = getEnvAsBool("NMS_CLASS_AGNOSTIC", c.NMS.ClassAgnostic)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Resolve fills the derived output directories left empty and expands a
// leading "~/" in every path.
func (c *Config) Resolve() {
	p := &c.Paths
	derive := func(dst *string, name string) {
		if *dst == "" && p.Output != "" {
			*dst = filepath.Join(p.Output, name)
		}
	}
	derive(&p.NMSPredictions, "nms")
	derive(&p.RefinedPredictions, "refined")
	derive(&p.Reports, "reports")
	derive(&p.KnowledgeGraph, "kg")

	for _, s := range []*string{
		&p.RawPredictions, &p.GroundTruth, &p.Images, &p.Output, &p.NMSPredictions,
		&p.RefinedPredictions, &p.Reports, &p.KnowledgeGraph, &p.Annotated,
		&p.Rules, &p.Zones, &p.StaticFacts, &p.Database,
	} {
		*s = expandPath(*s)
	}
}

func expandPath(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks every value that does not depend on the filesystem.
func (c Config) Validate() error {
	if err := c.NMS.Validate(); err != nil {
		return Wrap("nms", err)
	}
	if err := c.Spatial.Validate(); err != nil {
		return Wrap("spatial", err)
	}
	if err := c.Evaluation.Validate(); err != nil {
		return Wrap("evaluation", err)
	}
	if c.Workers < 1 {
		return Errorf("workers", "must be at least 1, got %d", c.Workers)
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return Errorf("image_size", "must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	}
	if _, err := detection.ParseRecordFormat(c.InputFormat); err != nil {
		return Wrap("input_format", err)
	}
	if len(c.ClassMap) == 0 {
		return Errorf("class_map", "is empty")
	}
	if _, err := detection.NewClassMap(c.ClassMap); err != nil {
		return Wrap("class_map", err)
	}
	for k := range c.Graph.MinCount {
		if !k.Valid() {
			return Errorf("graph", "unknown relation kind %q", k)
		}
	}
	return nil
}

// Classes builds the class map.
func (c Config) Classes() (*detection.ClassMap, error) {
	m, err := detection.NewClassMap(c.ClassMap)
	if err != nil {
		return nil, Wrap("class_map", err)
	}
	return m, nil
}

// RecordFormat returns the parsed input format.
func (c Config) RecordFormat() detection.RecordFormat {
	f, _ := detection.ParseRecordFormat(c.InputFormat)
	return f
}

// PathRequirement names a path that must exist before a stage starts.
type PathRequirement struct {
	Path        string
	Description string
	Directory   bool
}

// EnsurePaths checks that every requirement is set and exists with the
// expected kind.
func EnsurePaths(reqs ...PathRequirement) error {
	for _, r := range reqs {
		if r.Path == "" {
			return Errorf(r.Description, "path is required; set it in the config file, the environment or a flag")
		}
		info, err := os.Stat(r.Path)
		if err != nil {
			return Errorf(r.Description, "%s does not exist", r.Path)
		}
		if r.Directory && !info.IsDir() {
			return Errorf(r.Description, "%s is not a directory", r.Path)
		}
		if !r.Directory && info.IsDir() {
			return Errorf(r.Description, "%s is a directory", r.Path)
		}
	}
	return nil
}

// PrepareOutputs creates the output directories that are set.
func (c Config) PrepareOutputs() error {
	for _, dir := range []string{
		c.Paths.NMSPredictions, c.Paths.RefinedPredictions, c.Paths.Reports,
		c.Paths.KnowledgeGraph, c.Paths.Annotated,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Wrap(dir, fmt.Errorf("failed to create output directory: %w", err))
		}
	}
	if c.Paths.Database != "" {
		if err := os.MkdirAll(filepath.Dir(c.Paths.Database), 0o755); err != nil {
			return Wrap(c.Paths.Database, fmt.Errorf("failed to create database directory: %w", err))
		}
	}
	return nil
}
