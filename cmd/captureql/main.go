// Command captureql is an offline analyzer over the capture sink's
// persisted tables. It pairs each token's ingress/egress timestamps
// (T_in/T_out) from transition_firing, classifies tokens that never
// produced an egress as either "stuck" or "join-consumed" using the
// genealogy_edge and join_sync tables, and reports queue-priority
// inversions across workflow versions.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
)

var databaseURL string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "captureql",
	Short: "Query a control node capture store for token lifecycle analysis",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("CAPTUREQL_DATABASE_URL"), "Postgres connection string for the capture store")
	_ = rootCmd.MarkPersistentFlagRequired("database-url")

	rootCmd.AddCommand(pairCmd, stuckCmd, inversionsCmd)
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair consecutive firings per token across all workflow versions and report elapsed time per hop",
	RunE:  runPair,
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "Classify tokens with no further firing as stuck or join-consumed",
	RunE:  runStuck,
}

var inversionsCmd = &cobra.Command{
	Use:   "inversions",
	Short: "Report queue-band priority inversions observed across firings",
	RunE:  runInversions,
}

type firing struct {
	SequenceID      uint64
	Service         string
	Operation       string
	NodeType        string
	FiredAt         time.Time
	WorkflowVersion uint64
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, databaseURL)
}

func loadFirings(ctx context.Context, pool *pgxpool.Pool) ([]firing, error) {
	rows, err := pool.Query(ctx, `
		SELECT sequence_id, service, operation, node_type, fired_at, workflow_version
		FROM transition_firing
		ORDER BY sequence_id, fired_at`)
	if err != nil {
		return nil, fmt.Errorf("query transition_firing: %w", err)
	}
	defer rows.Close()

	var out []firing
	for rows.Next() {
		var f firing
		if err := rows.Scan(&f.SequenceID, &f.Service, &f.Operation, &f.NodeType, &f.FiredAt, &f.WorkflowVersion); err != nil {
			return nil, fmt.Errorf("scan transition_firing row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// runPair groups firings by sequence id and prints the elapsed time
// between consecutive hops (T_in of hop N+1 minus T_in of hop N), the
// pairing the protocol's monitorData trail is designed to support offline.
func runPair(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	firings, err := loadFirings(ctx, pool)
	if err != nil {
		return err
	}

	byToken := make(map[uint64][]firing)
	for _, f := range firings {
		byToken[f.SequenceID] = append(byToken[f.SequenceID], f)
	}

	ids := make([]uint64, 0, len(byToken))
	for id := range byToken {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		hops := byToken[id]
		fmt.Printf("sequence %d (workflow version %d):\n", id, hops[0].WorkflowVersion)
		for i, hop := range hops {
			var elapsed time.Duration
			if i > 0 {
				elapsed = hop.FiredAt.Sub(hops[i-1].FiredAt)
			}
			fmt.Printf("  %-24s %-16s %-10s at=%s elapsed=%s\n", hop.Service, hop.Operation, hop.NodeType, hop.FiredAt.Format(time.RFC3339Nano), elapsed)
		}
	}
	return nil
}

// runStuck finds tokens whose last known firing did not lead to a further
// firing and classifies each as join-consumed (a genealogy_edge or
// join_sync row accounts for where it went) or stuck (no accounting
// found, meaning it was dropped or is still legitimately in flight).
func runStuck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	firings, err := loadFirings(ctx, pool)
	if err != nil {
		return err
	}

	lastFiring := make(map[uint64]firing)
	for _, f := range firings {
		if existing, ok := lastFiring[f.SequenceID]; !ok || f.FiredAt.After(existing.FiredAt) {
			lastFiring[f.SequenceID] = f
		}
	}

	firedIDs := make(map[uint64]bool, len(firings))
	for _, f := range firings {
		firedIDs[f.SequenceID] = true
	}

	genChildren, err := loadGenealogyParents(ctx, pool)
	if err != nil {
		return err
	}
	joinParents, err := loadJoinSyncParents(ctx, pool)
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(lastFiring))
	for id := range lastFiring {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		last := lastFiring[id]

		// A token "continues" if any other firing followed chronologically
		// from it; fork produces new sequence ids entirely, so a forked
		// parent's accounting lives in genealogy_edge, and a join
		// continuation reuses the parent id, so it lives in join_sync.
		if genChildren[id] {
			fmt.Printf("sequence %d: forked, accounted for in genealogy_edge\n", id)
			continue
		}
		if joinParents[id] {
			fmt.Printf("sequence %d: joined, accounted for in join_sync\n", id)
			continue
		}
		if parent, _, _, ok := forkjoin.DecodeChild(id); ok && joinParents[parent] {
			fmt.Printf("sequence %d: join-consumed sibling of %d, accounted for in genealogy_edge and join_sync\n", id, parent)
			continue
		}
		if last.NodeType == "Pass" || last.NodeType == "Gateway" || last.NodeType == "Decision" || last.NodeType == "Merge" {
			fmt.Printf("sequence %d: STUCK after %s.%s (%s) at %s\n", id, last.Service, last.Operation, last.NodeType, last.FiredAt.Format(time.RFC3339Nano))
		}
	}
	return nil
}

func loadGenealogyParents(ctx context.Context, pool *pgxpool.Pool) (map[uint64]bool, error) {
	rows, err := pool.Query(ctx, `SELECT DISTINCT parent_id FROM genealogy_edge`)
	if err != nil {
		return nil, fmt.Errorf("query genealogy_edge: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]bool)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func loadJoinSyncParents(ctx context.Context, pool *pgxpool.Pool) (map[uint64]bool, error) {
	rows, err := pool.Query(ctx, `SELECT DISTINCT parent_id FROM join_sync WHERE state = 'Complete'`)
	if err != nil {
		return nil, fmt.Errorf("query join_sync: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]bool)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// inversion describes one priority-inversion event: a lower-version token
// firing at an operation after a competing higher-version token had
// already drained through it, excluding join-completion promotions (those
// never change an operation's minimum-seen version, they only reorder
// delivery within a band).
type inversion struct {
	Operation      string
	SequenceID     uint64
	Version        uint64
	FiredAt        time.Time
	MinSeenVersion uint64
}

func (i inversion) String() string {
	return fmt.Sprintf("inversion at %s: sequence %d (version %d) fired at %s after version %d had already drained",
		i.Operation, i.SequenceID, i.Version, i.FiredAt.Format(time.RFC3339Nano), i.MinSeenVersion)
}

// countInversions groups firings by (service, operation), walks each group
// in firing order, and reports every firing whose workflow version is
// lower than the minimum version already observed for that operation —
// the scheduler's strict version-priority band ordering means this should
// never happen for tokens admitted through the normal ingress path.
func countInversions(firings []firing) []inversion {
	byOp := make(map[string][]firing)
	for _, f := range firings {
		key := f.Service + "." + f.Operation
		byOp[key] = append(byOp[key], f)
	}

	var found []inversion
	for op, fs := range byOp {
		sort.Slice(fs, func(i, j int) bool { return fs[i].FiredAt.Before(fs[j].FiredAt) })
		minSeenVersion := fs[0].WorkflowVersion
		for _, f := range fs[1:] {
			if f.WorkflowVersion < minSeenVersion {
				found = append(found, inversion{
					Operation:      op,
					SequenceID:     f.SequenceID,
					Version:        f.WorkflowVersion,
					FiredAt:        f.FiredAt,
					MinSeenVersion: minSeenVersion,
				})
				minSeenVersion = f.WorkflowVersion
			}
		}
	}
	return found
}

// runInversions prints every inversion countInversions finds -- a firing at
// an operation whose workflow version is lower (i.e. higher priority) than
// a version that already fired there -- followed by the total count.
func runInversions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	firings, err := loadFirings(ctx, pool)
	if err != nil {
		return err
	}

	found := countInversions(firings)
	for _, inv := range found {
		fmt.Println(inv.String())
	}
	fmt.Printf("%d inversion(s) found\n", len(found))
	return nil
}
