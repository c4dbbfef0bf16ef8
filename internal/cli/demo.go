package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/sim"
)

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	var nodes int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted workload and print the memory summary",
		Long: `Demo drives a simulated cluster through a scripted workload (puts, a
pinned buffer, a capturing container, a task call and a stateful actor)
and prints the resulting cluster memory summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), rootOpts, cmd.OutOrStdout(), nodes)
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 2, "number of simulated nodes")
	return cmd
}

func runDemo(ctx context.Context, opts *RootOptions, out io.Writer, nodes int) error {
	c, err := sim.NewCluster(sim.Config{Nodes: nodes, Logger: discardLogger()})
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}
	if err := runDemoWorkload(c, nodes); err != nil {
		return err
	}

	report, err := c.Report(ctx)
	if err != nil {
		return fmt.Errorf("collect report: %w", err)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprint(out, memstat.RenderText(report, memstat.RenderOptions{}))
	return nil
}

// runDemoWorkload leaves a spread of live rows behind: a pinned put, a
// local handle, a captured child, a resolved task return, and an actor
// with retained state and arguments on the last node.
func runDemoWorkload(c *sim.Cluster, nodes int) error {
	driver := c.Driver()

	pinned := driver.Put(8 << 20)
	if _, err := driver.Get(pinned); err != nil {
		return fmt.Errorf("pin object: %w", err)
	}

	child := driver.Put(2 << 20)
	driver.PutContainer(64, child)
	child.Drop()

	driver.Call(demoTask, sim.Value(4096), sim.ByRef(pinned))

	actor, err := driver.StartActor(fmt.Sprintf("node-%d", nodes), demoActorInit)
	if err != nil {
		return fmt.Errorf("start actor: %w", err)
	}
	for i := 0; i < 2; i++ {
		if ret := actor.Call(demoActorMethod, sim.Value(1<<20)); ret != nil {
			ret.Drop()
		}
	}
	return nil
}

func demoTask(t *sim.Task) int64 {
	return 512
}

func demoActorInit(t *sim.Task) {
	t.RetainRef(t.Put(1 << 20))
}

func demoActorMethod(t *sim.Task) int64 {
	t.RetainArg(0)
	return 64
}
