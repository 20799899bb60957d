package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"promptsmith/internal/experiment"
	"promptsmith/internal/prompt"
)

var (
	contextFile   string
	typeFilters   []string
	overrideFlags []string
	experimentKey string
	renderOutput  bool
	jsonOutput    bool
	fallbackText  string
)

// assembleCmd builds a prompt for a request context
var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble a prompt from the template store",
	Long: `Selects the active fragments whose conditions hold for the request
context, orders them by priority, renders their variables and joins them.

Examples:
  promptsmith assemble --context request.yaml
  promptsmith assemble --context request.yaml --type role --type instruction
  promptsmith assemble --override intro=intro-v2
  promptsmith assemble --experiment-key user-42 --json`,
	Args: cobra.NoArgs,
	RunE: runAssemble,
}

// compositeCmd assembles a named composite template
var compositeCmd = &cobra.Command{
	Use:   "composite [name]",
	Short: "Assemble a composite template, falling back to its full text",
	Args:  cobra.ExactArgs(1),
	RunE:  runComposite,
}

func init() {
	assembleCmd.Flags().StringVar(&contextFile, "context", "", "YAML or JSON file with the request context")
	assembleCmd.Flags().StringSliceVar(&typeFilters, "type", nil, "Restrict to fragment types (repeatable)")
	assembleCmd.Flags().StringArrayVar(&overrideFlags, "override", nil, "Pin a fragment version: name=version (repeatable)")
	assembleCmd.Flags().StringVar(&experimentKey, "experiment-key", "", "Route through active experiments with this sticky key")
	assembleCmd.Flags().BoolVar(&renderOutput, "render", false, "Render the prompt as markdown")
	assembleCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full result as JSON")

	compositeCmd.Flags().StringVar(&contextFile, "context", "", "YAML or JSON file with the request context")
	compositeCmd.Flags().StringVar(&fallbackText, "fallback", "", "Override the composite's full text fallback")
	compositeCmd.Flags().BoolVar(&renderOutput, "render", false, "Render the prompt as markdown")
	compositeCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full result as JSON")
}

// loadContext reads a request context file. YAML is a superset of JSON so
// both parse.
func loadContext(path string) (prompt.Context, error) {
	data := prompt.Context{}
	if path == "" {
		return data, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read context %s", path)
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "parse context %s", path)
	}
	return data, nil
}

func parseTypes(values []string) (prompt.TypeFilter, error) {
	var filter prompt.TypeFilter
	for _, v := range values {
		t := prompt.FragmentType(strings.ToLower(strings.TrimSpace(v)))
		if !t.IsValid() {
			return nil, errors.Newf("unknown fragment type %q", v)
		}
		filter = append(filter, t)
	}
	return filter, nil
}

func parseOverrides(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, version, ok := strings.Cut(v, "=")
		if !ok || name == "" || version == "" {
			return nil, errors.Newf("invalid override %q, want name=version", v)
		}
		out[name] = version
	}
	return out, nil
}

// assembleOutput is the JSON shape of an assemble run.
type assembleOutput struct {
	*prompt.Result
	Assignments []experiment.Assignment `json:"assignments,omitempty"`
}

func runAssemble(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	data, err := loadContext(contextFile)
	if err != nil {
		return err
	}
	types, err := parseTypes(typeFilters)
	if err != nil {
		return err
	}
	overrides, err := parseOverrides(overrideFlags)
	if err != nil {
		return err
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var assignments []experiment.Assignment
	if experimentKey != "" {
		ctl, err := a.experiments()
		if err != nil {
			return err
		}
		routed, assigned, err := ctl.Overrides(ctx, experimentKey)
		if err != nil {
			return err
		}
		// Explicit --override pins win over experiment routing.
		for name, version := range routed {
			if _, pinned := overrides[name]; !pinned {
				overrides[name] = version
			}
		}
		assignments = assigned
	}

	res, err := a.assembler().Assemble(ctx, data, prompt.AssembleOptions{
		Types:            types,
		VersionOverrides: overrides,
		RequestID:        experimentKey,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, assembleOutput{Result: res, Assignments: assignments})
	}

	if renderOutput {
		fmt.Fprint(out, renderMarkdown(res.Prompt))
	} else {
		fmt.Fprintln(out, res.Prompt)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintln(errOut)
	printSections(errOut, res.Sections)
	for _, as := range assignments {
		fmt.Fprintln(errOut, mutedStyle.Render(fmt.Sprintf("experiment %s: variant %s (%s)", as.ExperimentID, as.Label, as.VersionID)))
	}
	printWarnings(errOut, res.Warnings)
	return nil
}

func runComposite(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	data, err := loadContext(contextFile)
	if err != nil {
		return err
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tmpl, ok := a.composites.Composite(args[0])
	if !ok {
		return errors.Newf("composite %q not found in %s", args[0], cfg.Store.FragmentsDir)
	}
	if fallbackText != "" {
		copied := *tmpl
		copied.FullText = fallbackText
		tmpl = &copied
	}

	res, err := tmpl.Assemble(ctx, a.assembler(), data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}
	if renderOutput {
		fmt.Fprint(out, renderMarkdown(res.Prompt))
	} else {
		fmt.Fprintln(out, res.Prompt)
	}

	errOut := cmd.ErrOrStderr()
	if res.Degraded {
		fmt.Fprintln(errOut, warnStyle.Render("degraded:"), "served full text fallback:", res.Cause)
	} else {
		fmt.Fprintln(errOut)
		printSections(errOut, res.Sections)
	}
	printWarnings(errOut, res.Warnings)
	return nil
}
