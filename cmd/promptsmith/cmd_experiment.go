package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"promptsmith/internal/experiment"
)

var (
	expName       string
	expFragment   string
	expVersionA   string
	expVersionB   string
	expWeightA    float64
	expWeightB    float64
	expTraffic    float64
	expMinSamples int
	expMetric     string
	expRating     float64
	expShowJSON   bool
)

// experimentCmd groups experiment management
var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Create and run A/B experiments on fragment versions",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft experiment",
	Long: `Creates a draft experiment comparing two versions of one fragment.

Example:
  promptsmith experiment create --name shorter-intro --fragment intro \
    --a intro-v1 --b intro-v2 --traffic 20 --metric tokenUsage`,
	Args: cobra.NoArgs,
	RunE: runExperimentCreate,
}

var experimentStartCmd = &cobra.Command{
	Use:   "start [id]",
	Short: "Activate a draft or paused experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(cmd, args[0], experiment.StatusActive)
	},
}

var experimentPauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause an active experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(cmd, args[0], experiment.StatusPaused)
	},
}

var experimentCompleteCmd = &cobra.Command{
	Use:   "complete [id]",
	Short: "Complete an experiment and record its winner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(cmd, args[0], experiment.StatusCompleted)
	},
}

var experimentRecordCmd = &cobra.Command{
	Use:   "record [id] [A|B] [value]",
	Short: "Record one metric sample for a variant",
	Args:  cobra.ExactArgs(3),
	RunE:  runExperimentRecord,
}

var experimentWinnerCmd = &cobra.Command{
	Use:   "winner [id]",
	Short: "Compute the current winner without changing the experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentWinner,
}

var experimentShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an experiment and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentShow,
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments in creation order",
	Args:  cobra.NoArgs,
	RunE:  runExperimentList,
}

func init() {
	experimentCreateCmd.Flags().StringVar(&expName, "name", "", "Experiment name (required)")
	experimentCreateCmd.Flags().StringVar(&expFragment, "fragment", "", "Target fragment (required)")
	experimentCreateCmd.Flags().StringVar(&expVersionA, "a", "", "Version id for variant A (required)")
	experimentCreateCmd.Flags().StringVar(&expVersionB, "b", "", "Version id for variant B (required)")
	experimentCreateCmd.Flags().Float64Var(&expWeightA, "weight-a", 1, "Traffic weight of variant A")
	experimentCreateCmd.Flags().Float64Var(&expWeightB, "weight-b", 1, "Traffic weight of variant B")
	experimentCreateCmd.Flags().Float64Var(&expTraffic, "traffic", -1, "Percent of requests entering the experiment (default from config)")
	experimentCreateCmd.Flags().IntVar(&expMinSamples, "min-samples", -1, "Minimum samples per variant (default from config)")
	experimentCreateCmd.Flags().StringVar(&expMetric, "metric", string(experiment.MetricTokenUsage), "Primary metric: tokenUsage, responseTime, userRating or custom")
	experimentCreateCmd.MarkFlagRequired("name")
	experimentCreateCmd.MarkFlagRequired("fragment")
	experimentCreateCmd.MarkFlagRequired("a")
	experimentCreateCmd.MarkFlagRequired("b")

	experimentRecordCmd.Flags().Float64Var(&expRating, "rating", -1, "Optional user rating recorded with the sample")
	experimentShowCmd.Flags().BoolVar(&expShowJSON, "json", false, "Print the experiment as JSON")

	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentStartCmd)
	experimentCmd.AddCommand(experimentPauseCmd)
	experimentCmd.AddCommand(experimentCompleteCmd)
	experimentCmd.AddCommand(experimentRecordCmd)
	experimentCmd.AddCommand(experimentWinnerCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	experimentCmd.AddCommand(experimentListCmd)
}

func runExperimentCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	traffic := expTraffic
	if traffic < 0 {
		traffic = cfg.Experiment.DefaultTrafficPercent
	}
	minSamples := expMinSamples
	if minSamples < 0 {
		minSamples = cfg.Experiment.DefaultMinSampleSize
	}

	e, err := ctl.Create(ctx, experiment.CreateParams{
		Name:           expName,
		TargetFragment: expFragment,
		Variants: []experiment.Variant{
			{Label: experiment.LabelA, VersionID: expVersionA, TrafficWeight: expWeightA},
			{Label: experiment.LabelB, VersionID: expVersionB, TrafficWeight: expWeightB},
		},
		TrafficAllocationPercent: traffic,
		MinSampleSizePerVariant:  minSamples,
		PrimaryMetric:            experiment.Metric(expMetric),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("created"), e.ID)
	return nil
}

func runTransition(cmd *cobra.Command, id string, to experiment.Status) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	e, err := ctl.Transition(ctx, id, to)
	if err != nil {
		return err
	}
	printExperiment(cmd.OutOrStdout(), e, nil)
	return nil
}

func parseLabel(s string) (experiment.Label, error) {
	label := experiment.Label(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range experiment.Labels() {
		if label == known {
			return label, nil
		}
	}
	return "", errors.Newf("unknown variant %q, want A or B", s)
}

func runExperimentRecord(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	label, err := parseLabel(args[1])
	if err != nil {
		return err
	}
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return errors.Wrapf(err, "invalid metric value %q", args[2])
	}
	sample := experiment.Sample{Value: value}
	if cmd.Flags().Changed("rating") {
		rating := expRating
		sample.Rating = &rating
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	res, err := ctl.RecordOutcome(ctx, args[0], label, sample)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d samples, average %.3f\n", label, res.RequestCount, res.AverageMetricValue)
	return nil
}

func runExperimentWinner(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	e, err := ctl.Get(ctx, args[0])
	if err != nil {
		return err
	}
	d, err := ctl.ComputeWinner(ctx, args[0])
	if err != nil {
		return err
	}
	printExperiment(cmd.OutOrStdout(), e, &d)
	return nil
}

func runExperimentShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	e, err := ctl.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if expShowJSON {
		return writeJSON(cmd.OutOrStdout(), e)
	}
	printExperiment(cmd.OutOrStdout(), e, nil)
	return nil
}

func runExperimentList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	ctl, err := a.experiments()
	if err != nil {
		return err
	}

	exps, err := ctl.List(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(exps))
	for _, e := range exps {
		rows = append(rows, []string{
			e.ID,
			e.Name,
			e.TargetFragment,
			string(e.Status),
			string(e.PrimaryMetric),
			string(e.Winner),
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "FRAGMENT", "STATUS", "METRIC", "WINNER"}, rows))
	return nil
}
