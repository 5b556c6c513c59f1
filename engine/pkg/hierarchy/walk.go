package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
)

// MaxDepth bounds parent-chain walks. Real chains are no longer than the number of roles.
const MaxDepth = 64

// Directory is the read interface over users.
type Directory interface {
	// GetUser returns engineerr.ErrUserNotFound when the user does not exist.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	// Children returns the users whose parent is id.
	Children(ctx context.Context, id uuid.UUID) ([]User, error)
}

// Ancestors returns the parent chain above userID, nearest parent first. The user itself
// is not included. A parent pointer to a missing user ends the chain.
func Ancestors(ctx context.Context, log *slog.Logger, dir Directory, userID uuid.UUID) ([]User, error) {
	start, err := dir.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]struct{}{start.ID: {}}
	path := []uuid.UUID{start.ID}
	var chain []User

	next := start.ParentID
	for next != nil {
		if _, ok := visited[*next]; ok {
			return chain, engineerr.NewCycle(engineerr.TreeUsers, userID, path, *next)
		}
		if len(path) > MaxDepth {
			return chain, engineerr.NewTooDeep(engineerr.TreeUsers, userID, path, MaxDepth)
		}

		parent, err := dir.GetUser(ctx, *next)
		if errors.Is(err, engineerr.ErrUserNotFound) {
			log.Warn("hierarchy: dangling parent reference", "user_id", path[len(path)-1], "parent_id", *next)
			break
		}
		if err != nil {
			return chain, fmt.Errorf("failed to get parent %s: %w", *next, err)
		}

		visited[parent.ID] = struct{}{}
		path = append(path, parent.ID)
		chain = append(chain, *parent)
		next = parent.ParentID
	}

	return chain, nil
}

// Subtree returns userID alone, or with includeSubtree every descendant in breadth-first
// order. Reaching a user twice can only happen through a cycle and is reported as one.
func Subtree(ctx context.Context, dir Directory, userID uuid.UUID, includeSubtree bool) ([]uuid.UUID, error) {
	root, err := dir.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !includeSubtree {
		return []uuid.UUID{root.ID}, nil
	}

	visited := map[uuid.UUID]struct{}{root.ID: {}}
	order := []uuid.UUID{root.ID}
	queue := []uuid.UUID{root.ID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		children, err := dir.Children(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get children of %s: %w", id, err)
		}
		for _, c := range children {
			if _, ok := visited[c.ID]; ok {
				return order, engineerr.NewCycle(engineerr.TreeUsers, userID, order, c.ID)
			}
			visited[c.ID] = struct{}{}
			order = append(order, c.ID)
			queue = append(queue, c.ID)
		}
	}

	return order, nil
}
