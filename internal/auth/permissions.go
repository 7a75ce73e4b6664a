package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/keyward/server/internal/repo"
)

const universeKey = "permissions"

// Grants is the flattened authorization snapshot embedded in access tokens.
type Grants struct {
	Roles           []string
	Permissions     PermissionSet
	PermissionNames []string
}

// PermissionAggregator flattens a user's role and direct grants. The set of
// all permission ids is read through a short-lived cache.
type PermissionAggregator struct {
	permissions repo.PermissionRepo
	universe    *expirable.LRU[string, []int]
	metrics     *obs.Metrics
}

// NewPermissionAggregator creates an aggregator whose universe cache expires after ttl.
func NewPermissionAggregator(permissions repo.PermissionRepo, ttl time.Duration, metrics *obs.Metrics) *PermissionAggregator {
	return &PermissionAggregator{
		permissions: permissions,
		universe:    expirable.NewLRU[string, []int](1, nil, ttl),
		metrics:     metrics,
	}
}

// RoleNames returns the user's distinct role names in assignment order.
func RoleNames(user model.User) []string {
	seen := make(map[string]struct{}, len(user.Roles))
	names := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		if _, ok := seen[r.RoleName]; ok {
			continue
		}
		seen[r.RoleName] = struct{}{}
		names = append(names, r.RoleName)
	}
	return names
}

// collectPermissionIDs returns role permission ids followed by direct grants, deduplicated.
func collectPermissionIDs(user model.User) []int {
	seen := make(map[int]struct{})
	ids := make([]int, 0)
	add := func(id int) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, r := range user.Roles {
		for _, id := range r.PermissionIDs {
			add(id)
		}
	}
	for _, id := range user.Permissions {
		add(id)
	}
	return ids
}

// Aggregate computes the user's grants. When the user holds every permission
// in the system both lists collapse to the "all" sentinel.
func (a *PermissionAggregator) Aggregate(ctx context.Context, user model.User) (Grants, error) {
	ids := collectPermissionIDs(user)

	universe, err := a.allIDs(ctx)
	if err != nil {
		return Grants{}, err
	}
	if coversAll(ids, universe) {
		return Grants{
			Roles:           RoleNames(user),
			Permissions:     PermissionSet{All: true},
			PermissionNames: []string{model.AllPermissions},
		}, nil
	}

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		// ids without a static name stay in the id list only
		if name, ok := model.PermissionNames[id]; ok {
			names = append(names, name)
		}
	}
	return Grants{
		Roles:           RoleNames(user),
		Permissions:     PermissionSet{IDs: ids},
		PermissionNames: names,
	}, nil
}

// Invalidate drops the cached universe. Call after the permission catalogue changes.
func (a *PermissionAggregator) Invalidate() {
	a.universe.Purge()
}

func (a *PermissionAggregator) allIDs(ctx context.Context) ([]int, error) {
	if ids, ok := a.universe.Get(universeKey); ok {
		a.metrics.PermissionCacheHits.Inc()
		return ids, nil
	}
	a.metrics.PermissionCacheMiss.Inc()
	ids, err := a.permissions.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load permission universe: %w", err)
	}
	a.universe.Add(universeKey, ids)
	return ids, nil
}

func coversAll(ids, universe []int) bool {
	if len(universe) == 0 {
		return false
	}
	held := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		held[id] = struct{}{}
	}
	for _, id := range universe {
		if _, ok := held[id]; !ok {
			return false
		}
	}
	return true
}
