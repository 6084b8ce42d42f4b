package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для отдельных экземпляров.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and resume task instances",
	}

	cmd.AddCommand(
		newTaskGetCmd(clientFn, outputFn),
		newTaskResumeCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show task instance details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			parent := "-"
			if task.ParentID != nil {
				parent = *task.ParentID
			}
			outputFn().Detail([]Field{
				{"ID", task.ID},
				{"TRACE", task.TraceID.String()},
				{"PARENT", parent},
				{"DEFINITION", task.DefinitionID.String()},
				{"ACTOR", string(task.ActorType)},
				{"CODE_REF", task.CodeRef},
				{"STATUS", string(task.Status)},
				{"ROUND", strconv.Itoa(task.RoundIndex)},
				{"CHILDREN", fmt.Sprintf("%d/%d", task.CompletedChildren, task.SplitCount)},
				{"RETRIES", fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries)},
				{"DISPATCH_SEQ", strconv.Itoa(task.DispatchSeq)},
				{"OUTPUT_REF", orDash(task.OutputRef)},
				{"ERROR", orDash(task.ErrorMsg)},
				{"STARTED", formatTime(task.StartedAt)},
				{"FINISHED", formatTime(task.FinishedAt)},
			}, task)
			return nil
		},
	}
}

func newTaskResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "resume TASK_ID",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}

			resp, err := clientFn().ResumeTask(cmd.Context(), args[0], parsed)
			if err != nil {
				return err
			}

			outputFn().Successf("Resume routed to %s", resp.Address)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&params, "param", nil, "Resume params as KEY=VALUE (repeatable)")

	return cmd
}
