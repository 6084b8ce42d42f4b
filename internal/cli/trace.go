package cli

import (
	"fmt"
	"strconv"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/spf13/cobra"
)

// NewTraceCmd создаёт группу команд для управления traces.
func NewTraceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Manage traces",
	}

	cmd.AddCommand(
		newTraceStartCmd(clientFn, outputFn),
		newTraceCancelCmd(clientFn, outputFn),
		newTracePauseCmd(clientFn, outputFn),
		newTraceResumeCmd(clientFn, outputFn),
		newTraceTasksCmd(clientFn, outputFn),
	)

	return cmd
}

func newTraceStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "start DEFINITION_ID",
		Short: "Start a new trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}

			traceID, err := clientFn().StartTrace(cmd.Context(), args[0], parsed)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Successf("Trace started: %s", traceID)
			out.Print([]string{"TRACE_ID"}, [][]string{{traceID}}, map[string]string{"traceId": traceID})
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&params, "param", nil, "Input params as KEY=VALUE (repeatable)")

	return cmd
}

func newTraceCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TRACE_ID",
		Short: "Cancel a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFn().CancelTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Successf("Trace cancelled: %s (%d tasks)", args[0], resp.Cancelled)
			return nil
		},
	}
}

func newTracePauseCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pause TRACE_ID",
		Short: "Pause admission of new tasks in a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFn().PauseTrace(cmd.Context(), args[0]); err != nil {
				return err
			}

			outputFn().Successf("Trace paused: %s", args[0])
			return nil
		},
	}
}

func newTraceResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume TRACE_ID",
		Short: "Resume a paused trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFn().ResumeTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Successf("Trace resumed: %s (%d tasks scheduled)", args[0], resp.Scheduled)
			return nil
		},
	}
}

func newTraceTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var layer int

	cmd := &cobra.Command{
		Use:   "tasks TRACE_ID",
		Short: "List tasks in a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ListTasksOpts{Status: status}
			if cmd.Flags().Changed("layer") {
				opts.Layer = &layer
			}

			tasks, err := clientFn().ListTraceTasks(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			outputFn().Print(taskHeaders, taskRows(tasks), tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUCCESS, FAILED, CANCELLED, SKIPPED)")
	cmd.Flags().IntVar(&layer, "layer", 0, "Filter by tree depth (root is 0)")

	return cmd
}

var taskHeaders = []string{"ID", "DEPTH", "ACTOR", "STATUS", "ROUND", "CHILDREN", "RETRIES", "ERROR"}

func taskRows(tasks []domain.TaskInstance) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{
			t.ID,
			strconv.Itoa(t.Depth),
			string(t.ActorType),
			string(t.Status),
			strconv.Itoa(t.RoundIndex),
			fmt.Sprintf("%d/%d", t.CompletedChildren, t.SplitCount),
			strconv.Itoa(t.RetryCount),
			orDash(t.ErrorMsg),
		}
	}
	return rows
}
