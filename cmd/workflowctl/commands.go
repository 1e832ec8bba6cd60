package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/issue-workflow/app"
	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/config"
	"github.com/songzhibin97/issue-workflow/logging"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/types"
	"github.com/songzhibin97/issue-workflow/workflow"
)

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	out        io.Writer
	configPath string
	seedPath   string
	userKey    string
	jsonOutput bool

	app *app.App
}

// run executes one invocation and releases the backends it opened.
func run(args []string, out io.Writer) error {
	c := &cli{out: out}
	root := c.rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if c.app != nil {
		err = errors.Join(err, c.app.Close())
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Administer issue workflows",
		Long:          "workflowctl manages workflow descriptors and schemes and drives issues through their workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd)
		},
	}
	root.SetOut(c.out)
	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "YAML config file; WORKFLOW_* variables override it")
	flags.StringVar(&c.seedPath, "seed", "", "YAML seed applied before the command runs")
	flags.StringVarP(&c.userKey, "user", "u", "admin", "acting user key")
	flags.BoolVar(&c.jsonOutput, "json", false, "print JSON")

	root.AddCommand(
		c.seedCmd(),
		c.workflowsCmd(),
		c.resolveCmd(),
		c.issueCmd(),
		c.transitionsCmd(),
		c.transitionCmd(),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	a, err := app.New(cmd.Context(), cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	c.app = a
	if c.seedPath != "" {
		if _, err := c.applySeed(cmd, c.seedPath); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) user() *types.User {
	return &types.User{Key: c.userKey, Name: c.userKey}
}

func (c *cli) print(v interface{}, text func(w io.Writer)) error {
	if c.jsonOutput {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.out)
	return nil
}

func (c *cli) applySeed(cmd *cobra.Command, path string) (app.SeedResult, error) {
	seed, err := app.LoadSeed(path)
	if err != nil {
		return app.SeedResult{}, err
	}
	return c.app.ApplySeed(cmd.Context(), c.user(), seed)
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Create the statuses, projects, workflows and schemes listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.applySeed(cmd, args[0])
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) {
				fmt.Fprintf(w, "created %d statuses, %d projects, %d workflows, %d schemes\n",
					res.Statuses, res.Projects, res.Workflows, res.Schemes)
			})
		},
	}
}

func (c *cli) workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List, export and import workflow descriptors",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			all, err := c.app.Workflows.GetWorkflows(ctx)
			if err != nil {
				return err
			}
			type row struct {
				Name   string `json:"name"`
				Kind   string `json:"kind"`
				Active bool   `json:"active"`
				Steps  int    `json:"steps"`
			}
			rows := make([]row, 0, len(all))
			for _, wf := range all {
				active, err := c.app.Workflows.IsActive(ctx, wf.Name())
				if err != nil {
					return err
				}
				rows = append(rows, row{Name: wf.Name(), Kind: wf.Kind.String(), Active: active, Steps: len(wf.Graph.Steps)})
			}
			return c.print(rows, func(w io.Writer) {
				for _, r := range rows {
					state := "inactive"
					if r.Active {
						state = "active"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d steps\n", r.Name, r.Kind, state, r.Steps)
				}
			})
		},
	}

	export := &cobra.Command{
		Use:   "export NAME",
		Short: "Print the XML descriptor of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := c.app.Workflows.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			descriptor, err := codec.NewXMLCodec().Encode(wf.Graph)
			if err != nil {
				return err
			}
			_, err = io.WriteString(c.out, descriptor)
			return err
		},
	}

	var name string
	var overwrite bool
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create a workflow from an XML descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			g, err := codec.NewXMLCodec().Decode(string(data))
			if err != nil {
				return err
			}
			if name != "" {
				g.Name = name
			}
			_, err = c.app.Workflows.CreateWorkflow(ctx, c.user(), g)
			if errors.Is(err, workflow.ErrWorkflowExists) && overwrite {
				active, aerr := c.app.Workflows.IsActive(ctx, g.Name)
				if aerr != nil {
					return aerr
				}
				if active {
					_, err = c.app.Workflows.OverwriteActiveWorkflow(ctx, c.user(), g)
				} else {
					_, err = c.app.Workflows.UpdateWorkflow(ctx, c.user(), g)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "imported %q\n", g.Name)
			return nil
		},
	}
	importCmd.Flags().StringVar(&name, "name", "", "store under this name instead of the descriptor's")
	importCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing workflow of the same name")

	cmd.AddCommand(list, export, importCmd)
	return cmd
}

func (c *cli) resolveCmd() *cobra.Command {
	var projectKey, issueType string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the workflow governing an issue type in a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, err := c.app.Projects.GetByKey(ctx, projectKey)
			if err != nil {
				return err
			}
			name, err := c.app.Schemes.Resolver().WorkflowNameForProject(ctx, project.ID, issueType)
			if err != nil {
				return err
			}
			return c.print(map[string]string{"project": projectKey, "issueType": issueType, "workflow": name}, func(w io.Writer) {
				fmt.Fprintln(w, name)
			})
		},
	}
	cmd.Flags().StringVarP(&projectKey, "project", "p", "", "project key")
	cmd.Flags().StringVarP(&issueType, "issue-type", "t", "", "issue type id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (c *cli) issueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create and inspect issues",
	}

	var in workflow.NewIssue
	var projectKey string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an issue through the initial action of its workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, err := c.app.Projects.GetByKey(ctx, projectKey)
			if err != nil {
				return err
			}
			in.ProjectID = project.ID
			res, err := c.app.Engine.CreateIssue(ctx, c.user(), in, rules.Options{})
			if err != nil {
				return err
			}
			return c.report(res)
		},
	}
	create.Flags().StringVarP(&projectKey, "project", "p", "", "project key")
	create.Flags().StringVarP(&in.IssueTypeID, "issue-type", "t", "", "issue type id")
	create.Flags().StringVarP(&in.Summary, "summary", "s", "", "summary")
	create.Flags().StringVar(&in.AssigneeKey, "assignee", "", "assignee key")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("summary")

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Print an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := c.app.Engine.Issues().GetByKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(issue, func(w io.Writer) {
				fmt.Fprintf(w, "%s\tstatus %s\t%s\n", issue.Key, issue.StatusID, issue.Summary)
			})
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

func (c *cli) transitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions KEY",
		Short: "List the actions the acting user may take on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			issue, err := c.app.Engine.Issues().GetByKey(ctx, args[0])
			if err != nil {
				return err
			}
			actions, err := c.app.Engine.AvailableActions(ctx, issue, rules.Options{}, c.user())
			if err != nil {
				return err
			}
			type row struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			}
			rows := make([]row, 0, len(actions))
			for _, a := range actions {
				rows = append(rows, row{ID: a.ID, Name: a.Name})
			}
			return c.print(rows, func(w io.Writer) {
				for _, r := range rows {
					fmt.Fprintf(w, "%d\t%s\n", r.ID, r.Name)
				}
			})
		},
	}
}

func (c *cli) transitionCmd() *cobra.Command {
	var fields []string
	var force bool
	cmd := &cobra.Command{
		Use:   "transition KEY ACTION",
		Short: "Execute a workflow action on an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actionID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("action must be numeric: %w", err)
			}
			inputs, err := parseFields(fields)
			if err != nil {
				return err
			}
			issue, err := c.app.Engine.Issues().GetByKey(ctx, args[0])
			if err != nil {
				return err
			}
			opts := rules.Options{SkipConditions: force, SkipValidators: force, SkipPermissions: force}
			res, err := c.app.Engine.ExecuteTransition(ctx, issue, actionID, inputs, c.user(), opts)
			if err != nil {
				return err
			}
			return c.report(res)
		},
	}
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "input as name=value, repeatable")
	cmd.Flags().BoolVar(&force, "force", false, "skip conditions, validators and permission checks")
	return cmd
}

// report prints a transition outcome. A rejected transition is an error exit.
func (c *cli) report(res *workflow.TransitionResult) error {
	if !res.Succeeded() {
		return fmt.Errorf("transition rejected: %s", res.Errors.String())
	}
	return c.print(res.Issue, func(w io.Writer) {
		fmt.Fprintf(w, "%s\tstatus %s\tstep %d\n", res.Issue.Key, res.Issue.StatusID, res.StepID)
	})
}

func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("field %q is not name=value", p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}
