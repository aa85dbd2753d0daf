// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a DreamBooth fine-tuning run.
//
// The configuration is read from a YAML (or TOML) file and merged with "a.b.c=value" overrides, usually
// given in the command line: values are parsed as YAML, and missing paths are created.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Devices.
const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
)

// Precisions.
const (
	PrecisionFP32    = "fp32"
	PrecisionAMPFP16 = "amp_fp16"
	PrecisionAMPBF16 = "amp_bf16"
)

// Precisions lists the valid precision values.
var Precisions = []string{PrecisionFP32, PrecisionAMPFP16, PrecisionAMPBF16}

// ModelConfig selects the pretrained model and what to fine-tune.
type ModelConfig struct {
	// Name is a HuggingFace repository id, a local directory with the ONNX export or "native".
	Name string `yaml:"name"`

	// Revision of the HuggingFace repository holding the ONNX export, e.g. "onnx". Empty means "main".
	Revision string `yaml:"revision"`

	TrainTextEncoder   bool   `yaml:"train_text_encoder"`
	TrainUNet          bool   `yaml:"train_unet"`
	NumImagesPerPrompt int    `yaml:"num_images_per_prompt"`

	// ImageKey and CaptionKey name the inputs of the model, only used in logs.
	ImageKey   string `yaml:"image_key"`
	CaptionKey string `yaml:"caption_key"`

	PriorLossWeight float64 `yaml:"prior_loss_weight"`

	// NumInferenceSteps and GuidanceScale are used to generate the class and evaluation images.
	NumInferenceSteps int     `yaml:"num_inference_steps"`
	GuidanceScale     float64 `yaml:"guidance_scale"`
}

// DatasetConfig of the instance and class images.
type DatasetConfig struct {
	InstanceDataRoot string   `yaml:"instance_data_root"`
	InstancePrompt   string   `yaml:"instance_prompt"`
	ClassDataRoot    string   `yaml:"class_data_root"`
	ClassPrompt      string   `yaml:"class_prompt"`
	Resolution       int      `yaml:"resolution"`
	CenterCrop       bool     `yaml:"center_crop"`
	EvalPrompts      []string `yaml:"eval_prompts"`
}

// OptimizerConfig of AdamW, with a constant learning rate.
type OptimizerConfig struct {
	LR          float64 `yaml:"lr"`
	WeightDecay float64 `yaml:"weight_decay"`
}

// EMAConfig of the exponential moving average of the weights, in batches.
type EMAConfig struct {
	HalfLife       int `yaml:"half_life"`
	UpdateInterval int `yaml:"update_interval"`
}

// Config of a DreamBooth fine-tuning run.
type Config struct {
	Seed                 int       `yaml:"seed"`
	RunName              string    `yaml:"run_name"`
	GlobalTrainBatchSize int       `yaml:"global_train_batch_size"`
	GlobalEvalBatchSize  int       `yaml:"global_eval_batch_size"`
	GradAccum            GradAccum `yaml:"grad_accum"`

	// Device is "cpu" or "gpu". If empty it is detected from the backend.
	Device string `yaml:"device"`

	Model                ModelConfig   `yaml:"model"`
	UsePriorPreservation bool          `yaml:"use_prior_preservation"`
	NumClassImages       int           `yaml:"num_class_images"`
	Dataset              DatasetConfig `yaml:"dataset"`

	Optimizer OptimizerConfig `yaml:"optimizer"`
	UseEMA    bool            `yaml:"use_ema"`
	EMA       EMAConfig       `yaml:"ema"`

	// Loggers maps the logger name ("progress_bar" or "klog") to its options. If not set, only the
	// progress bar is used.
	Loggers map[string]map[string]any `yaml:"loggers"`

	MaxDuration  Duration `yaml:"max_duration"`
	EvalInterval Duration `yaml:"eval_interval"`
	LogInterval  Duration `yaml:"log_interval"`

	SaveFolder               string   `yaml:"save_folder"`
	SaveInterval             Duration `yaml:"save_interval"`
	SaveNumCheckpointsToKeep int      `yaml:"save_num_checkpoints_to_keep"`
	LoadPath                 string   `yaml:"load_path"`
	Precision                string   `yaml:"precision"`

	// Hyperparameters are set in the root of the GoMLX context, see ApplyToContext.
	Hyperparameters map[string]any `yaml:"hyperparameters"`
}

// Default returns the configuration values used for the fields missing in the configuration file.
func Default() *Config {
	return &Config{
		Seed:                 17,
		GlobalTrainBatchSize: 1,
		GlobalEvalBatchSize:  1,
		GradAccum:            GradAccum{Steps: 1},
		Model: ModelConfig{
			Name:               "CompVis/stable-diffusion-v1-4",
			Revision:           "onnx",
			TrainUNet:          true,
			NumImagesPerPrompt: 1,
			ImageKey:           "image",
			CaptionKey:         "caption",
			PriorLossWeight:    1.0,
			NumInferenceSteps:  50,
			GuidanceScale:      7.5,
		},
		NumClassImages: 100,
		Dataset: DatasetConfig{
			Resolution: 512,
			CenterCrop: true,
		},
		Optimizer: OptimizerConfig{LR: 5e-6, WeightDecay: 1e-2},
		EMA: EMAConfig{
			HalfLife:       100,
			UpdateInterval: 20,
		},
		MaxDuration:              Duration{Value: 400, Unit: UnitBatch},
		EvalInterval:             Duration{Value: 100, Unit: UnitBatch},
		LogInterval:              Duration{Value: 10, Unit: UnitBatch},
		SaveInterval:             Duration{Value: 200, Unit: UnitBatch},
		SaveNumCheckpointsToKeep: 1,
		Precision:                PrecisionFP32,
	}
}

// Load reads the configuration file (YAML, or TOML if the extension is ".toml"), merges the overrides
// (in the format "a.b.c=value") and decodes it on top of Default.
func Load(filePath string, overrides ...string) (*Config, error) {
	root, err := ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if err := Override(root, override); err != nil {
			return nil, err
		}
	}
	cfg := Default()
	if err := Decode(root, cfg); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration in %q", filePath)
	}
	return cfg, nil
}

// ReadFile reads the configuration file into a YAML mapping node.
func ReadFile(filePath string) (*yaml.Node, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	root := &yaml.Node{}
	if strings.EqualFold(filepath.Ext(filePath), ".toml") {
		values := make(map[string]any)
		if err := toml.Unmarshal(contents, &values); err != nil {
			return nil, errors.Wrapf(err, "failed to parse TOML configuration file %q", filePath)
		}
		if err := root.Encode(values); err != nil {
			return nil, errors.Wrapf(err, "failed to convert TOML configuration file %q", filePath)
		}
		return root, nil
	}
	if err := yaml.Unmarshal(contents, root); err != nil {
		return nil, errors.Wrapf(err, "failed to parse YAML configuration file %q", filePath)
	}
	return mappingNode(root, filePath)
}

// mappingNode returns the top-level mapping of a document node. An empty document is an empty mapping.
func mappingNode(doc *yaml.Node, source string) (*yaml.Node, error) {
	if doc.Kind == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	node := doc
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, errors.Errorf("configuration in %s must be a mapping of keys to values", source)
	}
	return node, nil
}

// Override sets the value at a dotted path ("a.b.c=value") of the mapping node root, creating the
// intermediary mappings if needed. The value is parsed as YAML, so it can be a scalar or a list
// (e.g. "[1, 2]").
func Override(root *yaml.Node, override string) error {
	path, valueStr, found := strings.Cut(override, "=")
	path = strings.TrimSpace(path)
	if !found || path == "" {
		return errors.Errorf("invalid override %q, the format is key.path=value", override)
	}
	value := &yaml.Node{}
	if err := yaml.Unmarshal([]byte(valueStr), value); err != nil {
		return errors.Wrapf(err, "failed to parse the value of override %q", override)
	}
	if value.Kind == yaml.DocumentNode && len(value.Content) > 0 {
		value = value.Content[0]
	} else {
		// Empty value: a null.
		value = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	}

	node := root
	keys := strings.Split(path, ".")
	for ii, key := range keys {
		if key == "" {
			return errors.Errorf("invalid override %q: empty key in path %q", override, path)
		}
		if node.Kind != yaml.MappingNode {
			return errors.Errorf("invalid override %q: %q is not a mapping", override, strings.Join(keys[:ii], "."))
		}
		child := lookup(node, key)
		if ii == len(keys)-1 {
			if child == nil {
				node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
			} else {
				*child = *value
			}
			break
		}
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
		} else if child.Kind == yaml.ScalarNode && child.Tag == "!!null" {
			*child = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		}
		node = child
	}
	klog.V(1).Infof("configuration override %s", override)
	return nil
}

// lookup returns the value of key in the mapping node, or nil.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for ii := 0; ii+1 < len(mapping.Content); ii += 2 {
		if mapping.Content[ii].Value == key {
			return mapping.Content[ii+1]
		}
	}
	return nil
}

// Decode the mapping node on top of cfg. Unknown keys are reported with a warning and otherwise ignored.
func Decode(root *yaml.Node, cfg *Config) error {
	contents, err := yaml.Marshal(root)
	if err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	err = decoder.Decode(cfg)
	if err == nil {
		return nil
	}
	if !isUnknownFieldError(err) {
		return err
	}
	klog.Warningf("configuration has unknown fields, they are ignored: %v", err)
	return root.Decode(cfg)
}

// isUnknownFieldError returns whether the yaml decoding error is only about unknown fields.
func isUnknownFieldError(err error) bool {
	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return false
	}
	for _, msg := range typeErr.Errors {
		if !strings.Contains(msg, "not found in type") {
			return false
		}
	}
	return true
}

// String returns the configuration as YAML.
func (cfg *Config) String() string {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return "<failed to encode configuration: " + err.Error() + ">"
	}
	return string(contents)
}

// GradAccum is the number of gradient accumulation steps, or "auto".
type GradAccum struct {
	Auto  bool
	Steps int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *GradAccum) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: grad_accum must be \"auto\" or an integer", value.Line)
	}
	if value.Value == "auto" {
		*g = GradAccum{Auto: true}
		return nil
	}
	steps, err := strconv.Atoi(value.Value)
	if err != nil {
		return errors.Errorf("line %d: grad_accum must be \"auto\" or an integer, got %q", value.Line, value.Value)
	}
	*g = GradAccum{Steps: steps}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (g GradAccum) MarshalYAML() (any, error) {
	if g.Auto {
		return "auto", nil
	}
	return g.Steps, nil
}

// String implements fmt.Stringer.
func (g GradAccum) String() string {
	if g.Auto {
		return "auto"
	}
	return strconv.Itoa(g.Steps)
}
