// Package reporting answers read-only, time-windowed performance queries over the
// coordinator hierarchy and its referral codes.
package reporting

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/metrics"
)

type Config struct {
	Logger    *slog.Logger
	Directory hierarchy.Directory
	Codes     Codes
	Ledger    ledger.Reader
	Clock     clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Codes == nil {
		return errors.New("codes is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// HierarchyOf returns userID, and with includeSubtree every descendant, breadth-first.
func (e *Engine) HierarchyOf(ctx context.Context, userID uuid.UUID, includeSubtree bool) ([]uuid.UUID, error) {
	return hierarchy.Subtree(ctx, e.cfg.Directory, userID, includeSubtree)
}

func (e *Engine) observe(report string) func() {
	start := e.cfg.Clock.Now()
	return func() {
		metrics.ReportDuration.WithLabelValues(report).Observe(e.cfg.Clock.Since(start).Seconds())
	}
}

// PerformanceMetrics aggregates successful donations through every code, active or not,
// owned by the user's hierarchy set. The conversion rate divides by active codes only.
func (e *Engine) PerformanceMetrics(ctx context.Context, userID uuid.UUID, window Window, includeSubtree bool) (*Metrics, error) {
	defer e.observe("performance_metrics")()
	if err := window.Validate(); err != nil {
		return nil, err
	}

	members, err := e.HierarchyOf(ctx, userID, includeSubtree)
	if err != nil {
		return nil, err
	}
	owned, err := e.cfg.Codes.ForOwners(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("failed to get codes for hierarchy: %w", err)
	}

	m := &Metrics{
		UserID:         userID,
		IncludeSubtree: includeSubtree,
		Window:         window,
		Members:        len(members),
		Codes:          len(owned),
		Monthly:        []ledger.MonthBucket{},
		TopPrograms:    []ProgramShare{},
	}
	codeIDs := make([]uuid.UUID, 0, len(owned))
	for _, c := range owned {
		codeIDs = append(codeIDs, c.ID)
		if c.Active {
			m.ActiveCodes++
		}
	}
	if len(codeIDs) == 0 {
		return m, nil
	}
	f := window.filter(codeIDs)

	var (
		totals   ledger.Totals
		monthly  []ledger.MonthBucket
		programs []ledger.ProgramTotal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = e.cfg.Ledger.Totals(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		monthly, err = e.cfg.Ledger.Monthly(gctx, f, MaxMonths)
		return err
	})
	g.Go(func() error {
		var err error
		programs, err = e.cfg.Ledger.TopPrograms(gctx, f, MaxTopPrograms)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate donations: %w", err)
	}

	m.TotalDonations = totals.Count
	m.TotalAmount = totals.Amount
	if totals.Count > 0 {
		m.AverageDonation = round2(float64(totals.Amount) / float64(totals.Count))
	}
	if m.ActiveCodes > 0 {
		m.ConversionRate = round2(float64(totals.Count) / float64(m.ActiveCodes))
	}
	if monthly != nil {
		m.Monthly = monthly
	}
	for _, p := range programs {
		share := ProgramShare{ProgramTotal: p}
		if totals.Amount > 0 {
			share.Percentage = round2(float64(p.Amount) * 100 / float64(totals.Amount))
		}
		m.TopPrograms = append(m.TopPrograms, share)
	}
	return m, nil
}

// HierarchyPerformance reports on the user and each direct child, largest hierarchy amount
// first.
func (e *Engine) HierarchyPerformance(ctx context.Context, userID uuid.UUID, window Window) ([]MemberPerformance, error) {
	defer e.observe("hierarchy_performance")()
	if err := window.Validate(); err != nil {
		return nil, err
	}

	self, err := e.cfg.Directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	children, err := e.cfg.Directory.Children(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get children of %s: %w", userID, err)
	}

	members := []hierarchy.User{*self}
	seen := map[uuid.UUID]struct{}{self.ID: {}}
	for _, c := range children {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		members = append(members, c)
	}

	type plan struct {
		row       MemberPerformance
		own       *uuid.UUID
		childCode []uuid.UUID
	}
	plans := make([]plan, 0, len(members))
	var codeIDs []uuid.UUID

	for _, member := range members {
		p := plan{row: MemberPerformance{UserID: member.ID, Name: member.Name, Role: member.Role}}

		own, err := e.cfg.Codes.ActiveForOwner(ctx, member.ID)
		switch {
		case err == nil:
			p.own = &own.ID
			p.row.Code = own.Code
			codeIDs = append(codeIDs, own.ID)
		case !errors.Is(err, engineerr.ErrNotFound):
			return nil, fmt.Errorf("failed to get code of %s: %w", member.ID, err)
		}

		grandchildren, err := e.cfg.Directory.Children(ctx, member.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get children of %s: %w", member.ID, err)
		}
		p.row.DirectChildren = len(grandchildren)
		if len(grandchildren) > 0 {
			ids := make([]uuid.UUID, len(grandchildren))
			for i, gc := range grandchildren {
				ids[i] = gc.ID
			}
			childCodes, err := e.cfg.Codes.ActiveForOwners(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("failed to get codes of children of %s: %w", member.ID, err)
			}
			for _, cc := range childCodes {
				p.childCode = append(p.childCode, cc.ID)
				codeIDs = append(codeIDs, cc.ID)
			}
		}
		plans = append(plans, p)
	}

	byCode, err := e.cfg.Ledger.TotalsByCode(ctx, window.filter(uniqueIDs(codeIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sum donations by code: %w", err)
	}

	rows := make([]MemberPerformance, 0, len(plans))
	for _, p := range plans {
		if p.own != nil {
			p.row.Direct = byCode[*p.own]
		}
		p.row.Hierarchy = p.row.Direct
		for _, id := range p.childCode {
			p.row.Hierarchy = p.row.Hierarchy.Add(byCode[id])
		}
		rows = append(rows, p.row)
	}

	slices.SortStableFunc(rows, func(a, b MemberPerformance) int {
		if c := cmp.Compare(b.Hierarchy.Amount, a.Hierarchy.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return rows, nil
}

// BuildPerformanceTree returns the code tree under the user's active code with windowed
// totals, or nil when the user has no active code.
func (e *Engine) BuildPerformanceTree(ctx context.Context, rootUserID uuid.UUID, window Window) (*TreeNode, error) {
	defer e.observe("performance_tree")()
	if err := window.Validate(); err != nil {
		return nil, err
	}

	if _, err := e.cfg.Directory.GetUser(ctx, rootUserID); err != nil {
		return nil, err
	}
	rootCode, err := e.cfg.Codes.ActiveForOwner(ctx, rootUserID)
	if errors.Is(err, engineerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root code: %w", err)
	}

	b := &treeBuilder{
		codes:   e.cfg.Codes,
		rootID:  rootCode.ID,
		visited: make(map[uuid.UUID]struct{}),
	}
	root, err := b.build(ctx, *rootCode, 0, nil)
	if err != nil {
		return nil, err
	}

	byCode, err := e.cfg.Ledger.TotalsByCode(ctx, window.filter(b.ids))
	if err != nil {
		return nil, fmt.Errorf("failed to sum donations by code: %w", err)
	}
	fill(root, byCode)

	e.log.Debug("reporting: built performance tree", "root_code", root.Code, "codes", len(b.ids), "total_amount", root.TotalAmount)
	return root, nil
}

type treeBuilder struct {
	codes   Codes
	rootID  uuid.UUID
	visited map[uuid.UUID]struct{}
	ids     []uuid.UUID
}

func (b *treeBuilder) build(ctx context.Context, rc codes.ReferralCode, depth int, path []uuid.UUID) (*TreeNode, error) {
	if _, ok := b.visited[rc.ID]; ok {
		return nil, engineerr.NewCycle(engineerr.TreeCodes, b.rootID, path, rc.ID)
	}
	if depth > MaxTreeDepth {
		return nil, engineerr.NewTooDeep(engineerr.TreeCodes, b.rootID, path, MaxTreeDepth)
	}
	b.visited[rc.ID] = struct{}{}
	b.ids = append(b.ids, rc.ID)
	path = append(path, rc.ID)

	node := &TreeNode{CodeID: rc.ID, Code: rc.Code, OwnerID: rc.OwnerID, Depth: depth}

	children, err := b.codes.ChildrenOf(ctx, rc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get children of code %s: %w", rc.Code, err)
	}
	for _, child := range children {
		n, err := b.build(ctx, child, depth+1, slices.Clone(path))
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, n)
	}
	return node, nil
}

func fill(n *TreeNode, byCode map[uuid.UUID]ledger.Totals) ledger.Totals {
	own := byCode[n.CodeID]
	n.OwnCount, n.OwnAmount = own.Count, own.Amount
	total := own
	for _, c := range n.Children {
		total = total.Add(fill(c, byCode))
	}
	n.TotalCount, n.TotalAmount = total.Count, total.Amount
	return total
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
	return slices.Compact(out)
}
