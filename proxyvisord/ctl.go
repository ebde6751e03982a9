// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/config"
	"github.com/gdamore/proxyvisor/rest"
)

// ctlTimeout bounds every request that is not a long poll.
const ctlTimeout = time.Second * 10

func newCtlCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running proxyvisord",
	}
	cmd.PersistentFlags().StringVarP(&addr, "addr", "a", config.DefaultAdminAddr,
		"admin address of the daemon")
	client := func() *rest.Client {
		base := addr
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		return rest.NewClient(nil, base)
	}
	withTimeout := func(fn func(ctx context.Context, c *rest.Client) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
		defer cancel()
		return fn(ctx, client())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTimeout(func(ctx context.Context, c *rest.Client) error {
				list, _, err := c.Tasks(ctx)
				if err != nil {
					return err
				}
				printTasks(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status <task>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTimeout(func(ctx context.Context, c *rest.Client) error {
				ti, err := c.Task(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ti)
			})
		},
	})
	for _, op := range []struct {
		name  string
		short string
		fn    func(*rest.Client, context.Context, string) error
	}{
		{"start", "Start a task", (*rest.Client).StartTask},
		{"stop", "Stop a task", (*rest.Client).StopTask},
		{"remove", "Stop and remove a task", (*rest.Client).RemoveTask},
	} {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op.name + " <task>",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTimeout(func(ctx context.Context, c *rest.Client) error {
					return op.fn(c, ctx, args[0])
				})
			},
		})
	}
	cmd.AddCommand(newLogCommand(client))
	cmd.AddCommand(&cobra.Command{
		Use:   "rules",
		Short: "Show the routing rules in force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTimeout(func(ctx context.Context, c *rest.Client) error {
				rb, err := c.Rules(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rb)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cert <host>",
		Short: "Show the certificate served for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTimeout(func(ctx context.Context, c *rest.Client) error {
				ci, err := c.Certificate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ci)
			})
		},
	})
	return cmd
}

func newLogCommand(client func() *rest.Client) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "log [task]",
		Short: "Print a task's output, or the daemon log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			c := client()
			w := cmd.OutOrStdout()

			var last *rest.Backlog
			var tail tailer
			for {
				secs := 0
				if follow && last != nil {
					secs = int(rest.MaxWait / time.Second)
				}
				var bl *rest.Backlog
				var err error
				if len(args) == 0 {
					bl, err = c.WatchLog(ctx, last, secs)
				} else {
					bl, err = c.WatchBacklog(ctx, args[0], last, secs)
				}
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if bl != last {
					for _, e := range tail.fresh(bl.Entries) {
						printEntry(w, e)
					}
					last = bl
				}
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for more output")
	return cmd
}

// tailer picks out entries not yet printed.  Backlog timestamps never go
// backwards, but several entries may share one.
type tailer struct {
	seen time.Time
	dups int
}

func (t *tailer) fresh(recs []proxyvisor.Entry) []proxyvisor.Entry {
	var rv []proxyvisor.Entry
	dups := t.dups
	for _, e := range recs {
		if e.Time.Before(t.seen) {
			continue
		}
		if e.Time.Equal(t.seen) && dups > 0 {
			dups--
			continue
		}
		rv = append(rv, e)
	}
	for _, e := range rv {
		if e.Time.Equal(t.seen) {
			t.dups++
		} else {
			t.seen = e.Time
			t.dups = 1
		}
	}
	return rv
}

func printEntry(w io.Writer, e proxyvisor.Entry) {
	fmt.Fprintf(w, "%s %-6s %s\n", e.Time.Format(time.RFC3339), e.Kind, e.Data)
}

func printTasks(w io.Writer, list []*proxyvisor.TaskInfo) {
	sortTasks(list)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPID\tSTARTS\tSINCE\tSTATUS")
	for _, ti := range list {
		pid := "-"
		if ti.Pid > 0 {
			pid = fmt.Sprint(ti.Pid)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			ti.ID, ti.State, pid, ti.Starts,
			formatDuration(time.Since(ti.TimeStamp)), ti.Status)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
