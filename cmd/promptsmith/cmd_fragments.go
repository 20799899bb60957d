package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"promptsmith/internal/prompt"
	promptsync "promptsmith/internal/prompt/sync"
)

var (
	reviseContentFile  string
	reviseVersionID    string
	reviseRevisionFile string
	listHistory        bool
)

// fragmentsCmd groups fragment management
var fragmentsCmd = &cobra.Command{
	Use:   "fragments",
	Short: "List, import and revise fragments",
}

var fragmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fragments in the template store",
	Args:  cobra.NoArgs,
	RunE:  runFragmentsList,
}

var fragmentsImportCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "Import YAML fragments into the database",
	Long: `Parses a YAML file or directory and writes fragments whose live content
changed. Existing fragments get a new version appended; history is never
rewritten. Defaults to the configured fragments directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFragmentsImport,
}

var fragmentsReviseCmd = &cobra.Command{
	Use:   "revise [name]",
	Short: "Append a new version to a fragment and make it live",
	Long: `Appends a new version to a stored fragment. The new body comes from
--content-file; variables, conditions and priority carry over from the live
version unless --revision-file supplies a YAML revision.

Example:
  promptsmith fragments revise intro --content-file intro_v3.txt --version intro-v3`,
	Args: cobra.ExactArgs(1),
	RunE: runFragmentsRevise,
}

var fragmentsActivateCmd = &cobra.Command{
	Use:   "activate [name]",
	Short: "Mark a fragment active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFragmentActive(cmd, args[0], true)
	},
}

var fragmentsDeactivateCmd = &cobra.Command{
	Use:   "deactivate [name]",
	Short: "Mark a fragment inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFragmentActive(cmd, args[0], false)
	},
}

// backupCmd copies the database file
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a timestamped copy of the SQLite database",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func init() {
	fragmentsListCmd.Flags().BoolVar(&listHistory, "history", false, "Show every stored version")

	fragmentsReviseCmd.Flags().StringVar(&reviseContentFile, "content-file", "", "File holding the new content")
	fragmentsReviseCmd.Flags().StringVar(&reviseVersionID, "version", "", "Version id (generated when empty)")
	fragmentsReviseCmd.Flags().StringVar(&reviseRevisionFile, "revision-file", "", "YAML file with content, variables, conditions and priority")

	fragmentsCmd.AddCommand(fragmentsListCmd)
	fragmentsCmd.AddCommand(fragmentsImportCmd)
	fragmentsCmd.AddCommand(fragmentsReviseCmd)
	fragmentsCmd.AddCommand(fragmentsActivateCmd)
	fragmentsCmd.AddCommand(fragmentsDeactivateCmd)
}

func runFragmentsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.fragments.Snapshot(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	rows := make([][]string, 0, snap.Len())
	for _, f := range snap.Fragments() {
		active := "yes"
		if !f.IsActive {
			active = "no"
		}
		versions := f.CurrentVersionID
		if listHistory {
			versions = strings.Join(f.VersionIDs(), ", ")
		}
		rows = append(rows, []string{f.Name, string(f.Type), fmt.Sprint(f.Priority), active, versions})
	}
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d fragments", snap.Len())), mutedStyle.Render(fmt.Sprintf("generation %d", snap.Generation)))
	fmt.Fprint(out, renderTable([]string{"NAME", "TYPE", "PRIORITY", "ACTIVE", "VERSION"}, rows))
	return nil
}

func runFragmentsImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.sqlite()
	if err != nil {
		return err
	}

	source := cfg.Store.FragmentsDir
	if len(args) == 1 {
		source = args[0]
	}

	report, err := promptsync.NewSynchronizer(source, db).SyncAll(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, successStyle.Render("import complete"),
		fmt.Sprintf("files=%d parsed=%d imported=%d unchanged=%d", report.Files, report.Parsed, report.Imported, report.Unchanged))
	for _, skipped := range report.Skipped {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("skipped:"), skipped)
	}
	return nil
}

// revisionFile is the YAML form of a revision.
type revisionFile struct {
	VersionID  string             `yaml:"version_id"`
	Content    string             `yaml:"content"`
	Variables  []prompt.Variable  `yaml:"variables"`
	Conditions []prompt.Condition `yaml:"conditions"`
	Priority   *int               `yaml:"priority"`
}

func runFragmentsRevise(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if reviseContentFile == "" && reviseRevisionFile == "" {
		return errors.New("one of --content-file or --revision-file is required")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.sqlite()
	if err != nil {
		return err
	}

	current, err := db.Fragment(ctx, args[0])
	if err != nil {
		return err
	}
	rev := prompt.Revision{
		VersionID:  reviseVersionID,
		Content:    current.Content,
		Variables:  current.Variables,
		Conditions: current.Conditions,
		Priority:   current.Priority,
	}

	if reviseRevisionFile != "" {
		raw, err := os.ReadFile(reviseRevisionFile)
		if err != nil {
			return errors.Wrapf(err, "read %s", reviseRevisionFile)
		}
		var def revisionFile
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return errors.Wrapf(err, "parse %s", reviseRevisionFile)
		}
		if def.VersionID != "" && rev.VersionID == "" {
			rev.VersionID = def.VersionID
		}
		if def.Content != "" {
			rev.Content = def.Content
		}
		if def.Variables != nil {
			rev.Variables = def.Variables
		}
		if def.Conditions != nil {
			rev.Conditions = def.Conditions
		}
		if def.Priority != nil {
			rev.Priority = *def.Priority
		}
	}
	if reviseContentFile != "" {
		raw, err := os.ReadFile(reviseContentFile)
		if err != nil {
			return errors.Wrapf(err, "read %s", reviseContentFile)
		}
		rev.Content = strings.TrimRight(string(raw), "\n")
	}

	next, err := db.ReviseFragment(ctx, args[0], rev)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("revised"),
		fmt.Sprintf("%s is now at %s (%d versions)", next.Name, next.CurrentVersionID, len(next.VersionHistory)))
	return nil
}

func setFragmentActive(cmd *cobra.Command, name string, active bool) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.sqlite()
	if err != nil {
		return err
	}
	if err := db.SetFragmentActive(ctx, name, active); err != nil {
		return err
	}

	state := "active"
	if !active {
		state = "inactive"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", name, state)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.database()
	if err != nil {
		return err
	}
	path, err := db.Backup()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("backup written"), path)
	return nil
}
