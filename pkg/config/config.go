// Package config provides configuration loading and management for coronary3d.
// It handles loading configuration from YAML or TOML files, environment
// overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	Processing    Processing    `yaml:"processing" toml:"processing"`
	Vesselness    Vesselness    `yaml:"vesselness" toml:"vesselness"`
	Skeleton      Skeleton      `yaml:"skeleton" toml:"skeleton"`
	Graph         Graph         `yaml:"graph" toml:"graph"`
	Bifurcation   Bifurcation   `yaml:"bifurcation" toml:"bifurcation"`
	Geometry      Geometry      `yaml:"geometry" toml:"geometry"`
	Matching      Matching      `yaml:"matching" toml:"matching"`
	Triangulation Triangulation `yaml:"triangulation" toml:"triangulation"`
	Bundle        Bundle        `yaml:"bundle" toml:"bundle"`
	Confidence    Confidence    `yaml:"confidence" toml:"confidence"`
	Server        Server        `yaml:"server" toml:"server"`
	Output        Output        `yaml:"output" toml:"output"`
}

// Processing controls request-level execution.
type Processing struct {
	// NumCores bounds how many images are processed concurrently within one request
	NumCores int `yaml:"numCores" toml:"numCores"`
}

// Vesselness configures the multi-scale Hessian filter and its threshold.
type Vesselness struct {
	// ScaleMin, ScaleMax and NumScales define the Gaussian scales (pixels)
	ScaleMin  float64 `yaml:"scaleMin" toml:"scaleMin"`
	ScaleMax  float64 `yaml:"scaleMax" toml:"scaleMax"`
	NumScales int     `yaml:"numScales" toml:"numScales"`

	// Beta weights the blob-versus-line ratio
	Beta float64 `yaml:"beta" toml:"beta"`

	// Gamma weights the second-order structureness. Zero selects half the
	// maximum Hessian norm at each scale.
	Gamma float64 `yaml:"gamma" toml:"gamma"`

	// BlackRidges selects dark vessels on a bright background (contrast angiography)
	BlackRidges bool `yaml:"blackRidges" toml:"blackRidges"`

	// Threshold is "otsu" or "quantile"
	Threshold string `yaml:"threshold" toml:"threshold"`

	// ThresholdQuantile is the response quantile used by the "quantile" method
	ThresholdQuantile float64 `yaml:"thresholdQuantile" toml:"thresholdQuantile"`

	// MinComponentArea removes mask components smaller than this many pixels
	MinComponentArea int `yaml:"minComponentArea" toml:"minComponentArea"`

	// CLAHE enables contrast-limited histogram equalisation before filtering.
	// Only effective in builds with the gocv tag.
	CLAHE          bool    `yaml:"clahe" toml:"clahe"`
	CLAHEClipLimit float64 `yaml:"claheClipLimit" toml:"claheClipLimit"`
	CLAHETileSize  int     `yaml:"claheTileSize" toml:"claheTileSize"`
}

// Skeleton configures mask clean-up before thinning.
type Skeleton struct {
	// FillHoles closes background regions enclosed by vessel pixels
	FillHoles bool `yaml:"fillHoles" toml:"fillHoles"`

	// MaxHoleArea limits hole filling to holes of at most this many pixels (0 = any)
	MaxHoleArea int `yaml:"maxHoleArea" toml:"maxHoleArea"`
}

// Graph configures the skeleton-to-graph conversion.
type Graph struct {
	// MinBranchLength is the path length (pixels) below which terminal spurs
	// are pruned and junction-to-junction edges are contracted
	MinBranchLength float64 `yaml:"minBranchLength" toml:"minBranchLength"`

	// JunctionMergeThreshold merges junction clusters whose centroids are closer (pixels)
	JunctionMergeThreshold float64 `yaml:"junctionMergeThreshold" toml:"junctionMergeThreshold"`
}

// Bifurcation configures junction analysis.
type Bifurcation struct {
	// MurrayTolerance is the accepted relative deviation of the parent
	// diameter from the cube-law prediction
	MurrayTolerance float64 `yaml:"murrayTolerance" toml:"murrayTolerance"`

	// TangentWindow is the number of skeleton pixels used for branch directions
	TangentWindow int `yaml:"tangentWindow" toml:"tangentWindow"`

	// DiameterAmbiguity is the relative diameter gap under which the parent
	// is chosen by direction instead of size
	DiameterAmbiguity float64 `yaml:"diameterAmbiguity" toml:"diameterAmbiguity"`
}

// Geometry describes the C-arm imaging chain.
type Geometry struct {
	SourceToDetectorMM  float64 `yaml:"sourceToDetectorMM" toml:"sourceToDetectorMM"`
	SourceToIsocenterMM float64 `yaml:"sourceToIsocenterMM" toml:"sourceToIsocenterMM"`
	PixelSpacingMM      float64 `yaml:"pixelSpacingMM" toml:"pixelSpacingMM"`

	// PrincipalPointX/Y in pixels; zero selects the image centre
	PrincipalPointX float64 `yaml:"principalPointX" toml:"principalPointX"`
	PrincipalPointY float64 `yaml:"principalPointY" toml:"principalPointY"`
}

// Matching configures cross-view correspondence.
type Matching struct {
	// EpipolarTolerancePx is the maximum symmetric epipolar distance of a candidate match
	EpipolarTolerancePx float64 `yaml:"epipolarTolerancePx" toml:"epipolarTolerancePx"`

	// ChainTolerancePx is the maximum reprojection error allowed when
	// pairwise matches are merged into a multi-view correspondence
	ChainTolerancePx float64 `yaml:"chainTolerancePx" toml:"chainTolerancePx"`

	// BranchSampleStepPx is the arc-length spacing of centerline samples
	BranchSampleStepPx float64 `yaml:"branchSampleStepPx" toml:"branchSampleStepPx"`

	// BranchSearchWindow bounds the arc-length fraction searched around a sample
	BranchSearchWindow float64 `yaml:"branchSearchWindow" toml:"branchSearchWindow"`

	// DegreeWeight and PositionWeight weight topological similarity in the match score
	DegreeWeight   float64 `yaml:"degreeWeight" toml:"degreeWeight"`
	PositionWeight float64 `yaml:"positionWeight" toml:"positionWeight"`
}

// Triangulation configures the linear triangulator.
type Triangulation struct {
	// DegenerateCondition flags points whose normalised DLT system has a
	// third-to-first singular value ratio below this value
	DegenerateCondition float64 `yaml:"degenerateCondition" toml:"degenerateCondition"`
}

// Bundle configures the reprojection-error refinement.
type Bundle struct {
	MaxIterations  int     `yaml:"maxIterations" toml:"maxIterations"`
	ConvergenceTol float64 `yaml:"convergenceTol" toml:"convergenceTol"`
	InitialDamping float64 `yaml:"initialDamping" toml:"initialDamping"`
}

// Confidence configures the final confidence score.
type Confidence struct {
	// ResidualScalePx is the mean residual at which confidence falls to 1/e
	ResidualScalePx float64 `yaml:"residualScalePx" toml:"residualScalePx"`

	// InvalidBifurcationWeight scales the penalty per fraction of invalid bifurcations
	InvalidBifurcationWeight float64 `yaml:"invalidBifurcationWeight" toml:"invalidBifurcationWeight"`

	// NonConvergencePenalty multiplies the score when refinement hit the iteration cap
	NonConvergencePenalty float64 `yaml:"nonConvergencePenalty" toml:"nonConvergencePenalty"`

	// DegeneratePenalty scales the penalty per fraction of degenerate points
	DegeneratePenalty float64 `yaml:"degeneratePenalty" toml:"degeneratePenalty"`
}

// Server configures the HTTP adapter.
type Server struct {
	Addr                  string `yaml:"addr" toml:"addr"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds" toml:"requestTimeoutSeconds"`
	MaxDimension          int    `yaml:"maxDimension" toml:"maxDimension"`
	MaxBodyMB             int    `yaml:"maxBodyMB" toml:"maxBodyMB"`
}

// Output parameters
type Output struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel" toml:"logLevel"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Vesselness.ScaleMin = 1.0
	cfg.Vesselness.ScaleMax = 3.0
	cfg.Vesselness.NumScales = 3
	cfg.Vesselness.Beta = 0.5
	cfg.Vesselness.Gamma = 0
	cfg.Vesselness.BlackRidges = true
	cfg.Vesselness.Threshold = "otsu"
	cfg.Vesselness.ThresholdQuantile = 0.9
	cfg.Vesselness.MinComponentArea = 10
	cfg.Vesselness.CLAHE = true
	cfg.Vesselness.CLAHEClipLimit = 2.0
	cfg.Vesselness.CLAHETileSize = 8

	cfg.Skeleton.FillHoles = true
	cfg.Skeleton.MaxHoleArea = 0

	cfg.Graph.MinBranchLength = 10
	cfg.Graph.JunctionMergeThreshold = 2.0

	cfg.Bifurcation.MurrayTolerance = 0.2
	cfg.Bifurcation.TangentWindow = 5
	cfg.Bifurcation.DiameterAmbiguity = 0.1

	cfg.Geometry.SourceToDetectorMM = 1000
	cfg.Geometry.SourceToIsocenterMM = 750
	cfg.Geometry.PixelSpacingMM = 0.3

	cfg.Matching.EpipolarTolerancePx = 3.0
	cfg.Matching.ChainTolerancePx = 4.0
	cfg.Matching.BranchSampleStepPx = 5
	cfg.Matching.BranchSearchWindow = 0.25
	cfg.Matching.DegreeWeight = 0.3
	cfg.Matching.PositionWeight = 0.3

	cfg.Triangulation.DegenerateCondition = 0.02

	cfg.Bundle.MaxIterations = 50
	cfg.Bundle.ConvergenceTol = 1e-6
	cfg.Bundle.InitialDamping = 1e-3

	cfg.Confidence.ResidualScalePx = 2.0
	cfg.Confidence.InvalidBifurcationWeight = 0.5
	cfg.Confidence.NonConvergencePenalty = 0.8
	cfg.Confidence.DegeneratePenalty = 0.5

	cfg.Server.Addr = ":8080"
	cfg.Server.RequestTimeoutSeconds = 90
	cfg.Server.MaxDimension = 800
	cfg.Server.MaxBodyMB = 50

	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	var problems []string
	if c.Processing.NumCores < 1 {
		problems = append(problems, "processing.numCores must be >= 1")
	}
	if c.Vesselness.ScaleMin <= 0 || c.Vesselness.ScaleMax < c.Vesselness.ScaleMin {
		problems = append(problems, "vesselness scales must satisfy 0 < scaleMin <= scaleMax")
	}
	if c.Vesselness.NumScales < 1 {
		problems = append(problems, "vesselness.numScales must be >= 1")
	}
	switch c.Vesselness.Threshold {
	case "otsu":
	case "quantile":
		if c.Vesselness.ThresholdQuantile <= 0 || c.Vesselness.ThresholdQuantile >= 1 {
			problems = append(problems, "vesselness.thresholdQuantile must be in (0, 1)")
		}
	default:
		problems = append(problems, fmt.Sprintf("vesselness.threshold %q must be otsu or quantile", c.Vesselness.Threshold))
	}
	if c.Graph.MinBranchLength < 0 {
		problems = append(problems, "graph.minBranchLength must be >= 0")
	}
	if c.Bifurcation.MurrayTolerance <= 0 {
		problems = append(problems, "bifurcation.murrayTolerance must be > 0")
	}
	if c.Geometry.SourceToDetectorMM <= 0 || c.Geometry.SourceToIsocenterMM <= 0 || c.Geometry.PixelSpacingMM <= 0 {
		problems = append(problems, "geometry distances and pixel spacing must be > 0")
	}
	if c.Geometry.SourceToIsocenterMM >= c.Geometry.SourceToDetectorMM {
		problems = append(problems, "geometry.sourceToIsocenterMM must be smaller than sourceToDetectorMM")
	}
	if c.Matching.EpipolarTolerancePx <= 0 || c.Matching.ChainTolerancePx <= 0 {
		problems = append(problems, "matching tolerances must be > 0")
	}
	if c.Matching.BranchSampleStepPx <= 0 {
		problems = append(problems, "matching.branchSampleStepPx must be > 0")
	}
	if c.Bundle.MaxIterations < 1 {
		problems = append(problems, "bundle.maxIterations must be >= 1")
	}
	if c.Bundle.ConvergenceTol <= 0 {
		problems = append(problems, "bundle.convergenceTol must be > 0")
	}
	if c.Confidence.ResidualScalePx <= 0 {
		problems = append(problems, "confidence.residualScalePx must be > 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file, chosen by extension
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = []byte(sb.String())
	default:
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Environment variables honoured by ApplyEnv.
const (
	EnvCores          = "CORONARY3D_CORES"
	EnvLogLevel       = "CORONARY3D_LOG_LEVEL"
	EnvAddr           = "CORONARY3D_ADDR"
	EnvRequestTimeout = "CORONARY3D_REQUEST_TIMEOUT"
	EnvMaxIterations  = "CORONARY3D_MAX_ITERATIONS"
)

// ApplyEnv loads the given .env files, or ./.env when none are given, and
// applies CORONARY3D_* overrides. Only a missing implicit ./.env is
// tolerated; named files must exist and parse.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if v := os.Getenv(EnvCores); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCores, err)
		}
		c.Processing.NumCores = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Output.LogLevel = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		c.Server.RequestTimeoutSeconds = n
	}
	if v := os.Getenv(EnvMaxIterations); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxIterations, err)
		}
		c.Bundle.MaxIterations = n
	}
	return nil
}
