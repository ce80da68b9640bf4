package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/services"
)

// errRunFailed is returned when at least one table of at least one region
// failed. The per-table errors have already been printed.
var errRunFailed = errors.New("ingest finished with failures")

// connector opens the store and builds an Ingester. It is only called by
// commands that load data, so regions works without a database.
type connector func(ctx context.Context) (ingester services.Ingester, workers int, closeFn func(), err error)

type loadFunc func(ctx context.Context, ing services.Ingester, r region.Region) *ingest.Summary

func newRootCommand(stdout io.Writer, connect connector) *cobra.Command {
	root := &cobra.Command{
		Use:   "canopy-ingest",
		Short: "Load FIA, PRISM and TIGER data into PostGIS",
		Long: `
Replaces one or more regions' rows in the raw schema. Each region's run is
strictly sequential; several regions run concurrently up to
INGEST_REGION_WORKERS.
`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newTabularCommand(stdout, connect),
		newLoadCommand(stdout, connect, "climate", "Derive PRISM climate normals for every loaded plot",
			func(ctx context.Context, ing services.Ingester, r region.Region) *ingest.Summary {
				return ing.LoadClimate(ctx, r)
			}),
		newLoadCommand(stdout, connect, "boundaries", "Load TIGER county boundaries",
			func(ctx context.Context, ing services.Ingester, r region.Region) *ingest.Summary {
				return ing.LoadBoundaries(ctx, r)
			}),
		newRegionsCommand(stdout),
	)
	return root
}

func newTabularCommand(stdout io.Writer, connect connector) *cobra.Command {
	var regions, tables string
	cmd := &cobra.Command{
		Use:   "tabular",
		Short: "Load FIA PLOT, COND and TREE tables",
		RunE: func(c *cobra.Command, args []string) error {
			rs, err := region.ParseList(regions)
			if err != nil {
				return err
			}
			names, err := parseTables(tables)
			if err != nil {
				return err
			}
			return runLoads(c.Context(), stdout, connect, rs,
				func(ctx context.Context, ing services.Ingester, r region.Region) *ingest.Summary {
					return ing.LoadTabular(ctx, r, names)
				})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&regions, "region", "r", "", "comma separated region identifiers, e.g. NC,SC")
	flags.StringVarP(&tables, "tables", "t", "", "comma separated tables to load (default all)")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newLoadCommand(stdout io.Writer, connect connector, use, short string, load loadFunc) *cobra.Command {
	var regions string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(c *cobra.Command, args []string) error {
			rs, err := region.ParseList(regions)
			if err != nil {
				return err
			}
			return runLoads(c.Context(), stdout, connect, rs, load)
		},
	}
	cmd.Flags().StringVarP(&regions, "region", "r", "", "comma separated region identifiers, e.g. NC,SC")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newRegionsCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List the regions that can be ingested",
		RunE: func(c *cobra.Command, args []string) error {
			table := newTable(stdout)
			table.SetHeader([]string{"REGION", "CODE"})
			for _, r := range region.All() {
				table.Append([]string{r.Abbr, r.FIPS()})
			}
			table.Render()
			return nil
		},
	}
}

// parseTables validates a --tables value. Unknown names fail before any
// connection is made.
func parseTables(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	specs, unknown := ingest.ResolveTables(strings.Split(list, ","))
	if len(unknown) > 0 {
		return nil, &services.UnknownTablesError{Tables: unknown}
	}
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names, nil
}

// runLoads runs load for every region on a bounded pool and prints one
// summary block per region, in the order the regions were given.
func runLoads(ctx context.Context, stdout io.Writer, connect connector, regions []region.Region, load loadFunc) error {
	ing, workers, closeFn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if workers < 1 {
		workers = 1
	}
	pool := pond.NewResultPool[*ingest.Summary](workers)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, r := range regions {
		group.Submit(func() *ingest.Summary {
			return load(ctx, ing, r)
		})
	}
	summaries, err := group.Wait()
	if err != nil {
		return err
	}

	failed := false
	for _, sum := range summaries {
		printSummary(stdout, sum)
		if sum.Err() != nil {
			failed = true
		}
	}
	if failed {
		return errRunFailed
	}
	return nil
}

func printSummary(out io.Writer, sum *ingest.Summary) {
	fmt.Fprintf(out, "%s (%02d) %s run %s: %s\n", sum.Region, sum.Code, sum.Kind, sum.RunID, sum.Outcome())
	if len(sum.Unknown) > 0 {
		fmt.Fprintf(out, "  skipped unknown tables: %s\n", strings.Join(sum.Unknown, ", "))
	}

	table := newTable(out)
	for _, name := range sum.Order {
		res := sum.Tables[name]
		table.Append([]string{
			name,
			fmt.Sprintf("%d rows", res.Rows),
			fmt.Sprintf("%.2fs", res.Seconds),
			formatDropped(res.Dropped),
		})
	}
	table.Render()

	for _, name := range sum.Failed() {
		fmt.Fprintf(out, "  %s failed: %v\n", name, sum.Tables[name].Err)
	}
}

// newTable returns a borderless, left-aligned table so the output stays
// easy to grep.
func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	return table
}

func formatDropped(dropped map[string]int64) string {
	if len(dropped) == 0 {
		return ""
	}
	reasons := make([]string, 0, len(dropped))
	for reason := range dropped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	parts := make([]string, len(reasons))
	for i, reason := range reasons {
		parts[i] = fmt.Sprintf("%s=%d", reason, dropped[reason])
	}
	return "dropped " + strings.Join(parts, " ")
}
