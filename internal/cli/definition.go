package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewDefinitionCmd создаёт группу команд для управления определениями.
func NewDefinitionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage task definitions",
	}

	cmd.AddCommand(
		newDefinitionCreateCmd(clientFn, outputFn),
		newDefinitionListCmd(clientFn, outputFn),
		newDefinitionGetCmd(clientFn, outputFn),
		newDefinitionActiveCmd(clientFn, outputFn, "activate", true),
		newDefinitionActiveCmd(clientFn, outputFn, "deactivate", false),
	)

	return cmd
}

func newDefinitionCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var req CreateDefinitionRequest
	var params []string
	var loopRounds, loopInterval int
	var inactive bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task definition from flags or a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				loaded, err := loadDefinitionFile(file)
				if err != nil {
					return err
				}
				req = *loaded
			} else {
				parsed, err := parseParams(params)
				if err != nil {
					return err
				}
				req.DefaultParams = parsed
				if loopRounds > 0 {
					req.LoopConfig = &domain.LoopConfig{MaxRounds: loopRounds, IntervalSec: loopInterval}
				}
				if inactive {
					active := false
					req.IsActive = &active
				}
			}

			def, err := clientFn().CreateDefinition(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Successf("Definition created: %s", def.ID)
			out.Print(definitionHeaders, definitionRows([]domain.TaskDefinition{*def}), def)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the definition")
	cmd.Flags().StringVar(&req.Name, "name", "", "Unique definition name")
	cmd.Flags().StringVar(&req.ActorType, "actor", string(domain.ActorAgent), "Actor type (AGENT, GROUP_AGGREGATOR, SINGLE_AGGREGATOR, EXECUTION)")
	cmd.Flags().StringVar(&req.CodeRef, "code-ref", "", "Executor reference resolved by workers")
	cmd.Flags().StringVar(&req.ScheduleType, "schedule", string(domain.ScheduleOnce), "Schedule type (ONCE, CRON, LOOP)")
	cmd.Flags().StringVar(&req.CronExpr, "cron", "", "Cron expression for CRON definitions")
	cmd.Flags().IntVar(&loopRounds, "loop-rounds", 0, "Number of rounds for LOOP definitions")
	cmd.Flags().IntVar(&loopInterval, "loop-interval", 0, "Seconds between LOOP rounds")
	cmd.Flags().StringVar(&req.AggregationPolicy, "policy", "", "Aggregation policy (ALL_REQUIRED, BEST_EFFORT, MAJORITY)")
	cmd.Flags().IntVar(&req.TimeoutSec, "timeout", 0, "Per-attempt timeout in seconds")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "Retries after FAILED")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Default params as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the definition inactive")
	cmd.MarkFlagsMutuallyExclusive("file", "name")

	return cmd
}

// loadDefinitionFile читает определение из YAML-файла.
func loadDefinitionFile(path string) (*CreateDefinitionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var req CreateDefinitionRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse definition file: %w", err)
	}
	return &req, nil
}

func newDefinitionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListDefinitionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := clientFn().ListDefinitions(cmd.Context(), opts)
			if err != nil {
				return err
			}

			outputFn().Print(definitionHeaders, definitionRows(defs), defs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ScheduleType, "schedule", "", "Filter by schedule type")
	cmd.Flags().BoolVar(&opts.ActiveOnly, "active", false, "Only active definitions")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newDefinitionGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show task definition details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().GetDefinition(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Print(definitionHeaders, definitionRows([]domain.TaskDefinition{*def}), def)
			return nil
		},
	}
}

func newDefinitionActiveCmd(clientFn func() *Client, outputFn func() *Output, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: fmt.Sprintf("Set definition is_active=%t", active),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().SetDefinitionActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}

			outputFn().Successf("Definition %s: active=%t", def.ID, def.IsActive)
			return nil
		},
	}
}

var definitionHeaders = []string{"ID", "NAME", "ACTOR", "SCHEDULE", "CODE_REF", "RETRIES", "ACTIVE"}

func definitionRows(defs []domain.TaskDefinition) [][]string {
	rows := make([][]string, len(defs))
	for i, d := range defs {
		schedule := string(d.ScheduleType)
		if d.CronExpr != "" {
			schedule += " " + d.CronExpr
		}
		rows[i] = []string{
			d.ID.String(),
			d.Name,
			string(d.ActorType),
			schedule,
			d.CodeRef,
			strconv.Itoa(d.MaxRetries),
			strconv.FormatBool(d.IsActive),
		}
	}
	return rows
}
