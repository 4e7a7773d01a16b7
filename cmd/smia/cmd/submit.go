package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apiclient "github.com/TNLegend/SMIA/pkg/api/client"
)

func (a *cli) newSubmitCommand() *cobra.Command {
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a training or evaluation run",
	}
	submit.AddCommand(a.newSubmitTrainingCommand(), a.newSubmitEvaluationCommand())
	return submit
}

func (a *cli) newSubmitTrainingCommand() *cobra.Command {
	var (
		datasetID  string
		configFile string
		overrides  []string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "training",
		Short: "Train the project's model on a dataset",
		Example: `  smia submit training -p 7 --dataset 3
  smia submit training -p 7 --dataset 3 --set epochs=20 --set learning_rate=1e-3 --follow
  smia submit training -p 7 --dataset 3 --config-file overrides.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			config, err := buildOverrides(configFile, overrides)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			sub, err := client.SubmitTraining(cmd.Context(), projectID, apiclient.TrainingInput{
				DatasetID: datasetID,
				Config:    config,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", sub.RunID, sub.Status)
			if !follow {
				return nil
			}
			return followRun(cmd, client, projectID, sub.RunID)
		},
	}
	cmd.Flags().StringVar(&datasetID, "dataset", "", "training dataset ID (required)")
	cmd.Flags().StringVar(&configFile, "config-file", "", "YAML or JSON file with configuration overrides")
	cmd.Flags().StringArrayVar(&overrides, "set", nil, "configuration override as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the run output until it finishes")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func (a *cli) newSubmitEvaluationCommand() *cobra.Command {
	var (
		modelRunID   string
		dataConfigID string
		follow       bool
	)
	cmd := &cobra.Command{
		Use:     "evaluation",
		Aliases: []string{"eval"},
		Short:   "Evaluate a trained model against a data configuration",
		Example: `  smia submit evaluation -p 7 --model-run 1b2c --data-config 4 --follow`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			sub, err := client.SubmitEvaluation(cmd.Context(), projectID, apiclient.EvaluationInput{
				ModelRunID:   modelRunID,
				DataConfigID: dataConfigID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", sub.RunID, sub.Status)
			if !follow {
				return nil
			}
			return followRun(cmd, client, projectID, sub.RunID)
		},
	}
	cmd.Flags().StringVar(&modelRunID, "model-run", "", "succeeded training run to evaluate (required)")
	cmd.Flags().StringVar(&dataConfigID, "data-config", "", "data configuration ID (required)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the run output until it finishes")
	_ = cmd.MarkFlagRequired("model-run")
	_ = cmd.MarkFlagRequired("data-config")
	return cmd
}

// buildOverrides merges a config file with key=value pairs into one JSON
// object. Values that are valid JSON keep their literal text so numbers like
// 1e-3 reach the server unchanged; anything else is sent as a string.
func buildOverrides(path string, pairs []string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		for key, value := range doc {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("config file key %q: %w", key, err)
			}
			fields[key] = raw
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: expected key=value", pair)
		}
		value = strings.TrimSpace(value)
		if json.Valid([]byte(value)) {
			fields[key] = json.RawMessage(value)
			continue
		}
		quoted, _ := json.Marshal(value)
		fields[key] = quoted
	}
	if len(fields) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(key)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(fields[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var errRunFailed = errors.New("run failed")
