package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/ops"
	"github.com/pegboardhq/engine/pkg/types"
)

// applyCmd bootstraps runner configs from a YAML file directly against the
// local KV store, the same "declarative resource with a Kind" shape as the
// teacher's `warren apply`, minus the remote manager round-trip: this
// process *is* the store, so there is no client to dial.
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a runner config resource from a YAML file",
	Long: `apply reads a YAML resource describing a runner config and upserts
it directly into this datacenter's KV store. Supported kinds:

  # Register a normal (always-on) runner pool
  engine apply -f runner.yaml

  # Register a serverless (scale-to-zero) runner pool
  engine apply -f serverless-runner.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML resource file to apply (required)")
	applyCmd.Flags().StringVar(&applyDataDir, "data-dir", "./data/engine.db", "Path to the embedded KV store file")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

var applyDataDir string

// engineResource mirrors the teacher's WarrenResource envelope (apiVersion/
// kind/metadata/spec), narrowed to the one kind this CLI actually applies.
type engineResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   resourceMetadata `yaml:"metadata"`
	Spec       runnerConfigYAML `yaml:"spec"`
}

type resourceMetadata struct {
	NamespaceID string `yaml:"namespaceId"`
	Name        string `yaml:"name"`
}

type runnerConfigYAML struct {
	Kind                  string            `yaml:"kind"`
	URL                   string            `yaml:"url,omitempty"`
	Headers               map[string]string `yaml:"headers,omitempty"`
	RequestLifespan       string            `yaml:"requestLifespan,omitempty"`
	SlotsPerRunner        uint32            `yaml:"slotsPerRunner,omitempty"`
	MinRunners            uint32            `yaml:"minRunners,omitempty"`
	MaxRunners            uint32            `yaml:"maxRunners,omitempty"`
	RunnersMargin         uint32            `yaml:"runnersMargin,omitempty"`
	MetadataPollInterval  string            `yaml:"metadataPollInterval,omitempty"`
	RunnerVersion         uint32            `yaml:"runnerVersion,omitempty"`
	DrainOnVersionUpgrade bool              `yaml:"drainOnVersionUpgrade,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var resource engineResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}

	switch resource.Kind {
	case "RunnerConfig":
		return applyRunnerConfig(&resource)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

func applyRunnerConfig(resource *engineResource) error {
	db, err := kv.Open(applyDataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()

	cfg, err := resource.Spec.toRunnerConfig(resource.Metadata.NamespaceID, resource.Metadata.Name)
	if err != nil {
		return err
	}

	rc := ops.NewRunnerConfigs(db, nil, "", nil)
	if err := rc.Upsert(context.Background(), resource.Metadata.NamespaceID, resource.Metadata.Name, cfg); err != nil {
		return fmt.Errorf("upsert runner config: %w", err)
	}
	fmt.Printf("runner config applied: %s/%s\n", resource.Metadata.NamespaceID, resource.Metadata.Name)
	return nil
}

func (y runnerConfigYAML) toRunnerConfig(namespaceID, name string) (types.RunnerConfig, error) {
	kind := types.RunnerConfigNormal
	if y.Kind == string(types.RunnerConfigServerless) {
		kind = types.RunnerConfigServerless
	}

	lifespan, err := parseDurationOrZero(y.RequestLifespan)
	if err != nil {
		return types.RunnerConfig{}, fmt.Errorf("requestLifespan: %w", err)
	}
	pollInterval, err := parseDurationOrZero(y.MetadataPollInterval)
	if err != nil {
		return types.RunnerConfig{}, fmt.Errorf("metadataPollInterval: %w", err)
	}

	return types.RunnerConfig{
		NamespaceID:           namespaceID,
		Name:                  name,
		Kind:                  kind,
		URL:                   y.URL,
		Headers:               y.Headers,
		RequestLifespan:       lifespan,
		SlotsPerRunner:        y.SlotsPerRunner,
		MinRunners:            y.MinRunners,
		MaxRunners:            y.MaxRunners,
		RunnersMargin:         y.RunnersMargin,
		MetadataPollInterval:  pollInterval,
		RunnerVersion:         y.RunnerVersion,
		DrainOnVersionUpgrade: y.DrainOnVersionUpgrade,
	}, nil
}

func parseDurationOrZero(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
