// Package dedup merges accounts that different devices created for the same
// customer. Accounts match on their normalized phone number; among all remote
// accounts sharing a phone number the one with the smallest id is canonical,
// so every device picks the same survivor.
//
// Resolution runs in two phases. The local phase rewrites local foreign keys
// and journals each old->new mapping. The remote phase, run after upload,
// rewrites remote foreign keys and only then deletes the old remote account.
// A mapping leaves the journal once both remote steps succeeded; anything
// left over is retried by the next run.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

type Resolver struct {
	local  interfaces.LocalStore
	remote interfaces.RemoteStore
	now    func() time.Time
	log    zerolog.Logger
}

func NewResolver(local interfaces.LocalStore, remote interfaces.RemoteStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		local:  local,
		remote: remote,
		now:    time.Now,
		log:    log.With().Str("component", "dedup").Logger(),
	}
}

// Canonical picks the surviving account among remote rows sharing a natural key.
func Canonical(matches []models.Account) (models.Account, bool) {
	if len(matches) == 0 {
		return models.Account{}, false
	}
	sorted := make([]models.Account, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted[0], true
}

// ResolveLocal runs the local phase and returns the mappings it recorded.
// It also returns the canonical account ids whose entry sets changed.
func (r *Resolver) ResolveLocal(ctx context.Context) ([]models.IDRemap, []string, error) {
	accounts, err := r.local.ListAccounts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list local accounts: %w", err)
	}

	var remaps []models.IDRemap
	var touched []string
	seen := make(map[string]bool)
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return remaps, touched, err
		}
		key := a.NaturalKey()
		if key == "" || seen[a.ID] {
			continue
		}
		matches, err := r.remote.FindAccountsByPhone(ctx, key)
		if err != nil {
			return remaps, touched, fmt.Errorf("find remote accounts for %s: %w", a.ID, err)
		}
		canonical, ok := Canonical(matches)
		if !ok || canonical.ID == a.ID {
			continue
		}
		m, err := r.merge(ctx, a, canonical)
		if err != nil {
			return remaps, touched, err
		}
		seen[canonical.ID] = true
		remaps = append(remaps, m)
		touched = append(touched, canonical.ID)
	}
	return remaps, touched, nil
}

// merge folds local account dup into canonical.
func (r *Resolver) merge(ctx context.Context, dup, canonical models.Account) (models.IDRemap, error) {
	existing, err := r.local.GetAccount(ctx, canonical.ID)
	if err != nil {
		return models.IDRemap{}, err
	}
	if existing == nil {
		canonical.SyncedToCloud = true
		if err := r.local.InsertAccount(ctx, canonical); err != nil {
			return models.IDRemap{}, fmt.Errorf("insert canonical account %s: %w", canonical.ID, err)
		}
	}
	moved, err := r.local.ReassignEntries(ctx, dup.ID, canonical.ID)
	if err != nil {
		return models.IDRemap{}, fmt.Errorf("reassign entries %s -> %s: %w", dup.ID, canonical.ID, err)
	}
	if err := r.local.DeleteAccount(ctx, dup.ID); err != nil {
		return models.IDRemap{}, fmt.Errorf("delete duplicate account %s: %w", dup.ID, err)
	}
	m := models.IDRemap{OldID: dup.ID, NewID: canonical.ID, RecordedAt: r.now()}
	if err := r.local.SaveRemap(ctx, m); err != nil {
		return models.IDRemap{}, fmt.Errorf("journal remap %s: %w", dup.ID, err)
	}
	r.log.Info().
		Str("old_id", dup.ID).Str("new_id", canonical.ID).Int("entries_moved", moved).
		Msg("duplicate account merged locally")
	return m, nil
}

// ApplyRemote runs the remote phase for every journaled mapping, including
// ones left over from earlier runs. It stops at the first failure.
func (r *Resolver) ApplyRemote(ctx context.Context) (int, error) {
	remaps, err := r.local.ListRemaps(ctx)
	if err != nil {
		return 0, fmt.Errorf("list remap journal: %w", err)
	}
	done := 0
	for _, m := range remaps {
		if err := r.remote.ReassignEntries(ctx, m.OldID, m.NewID); err != nil {
			return done, fmt.Errorf("reassign remote entries %s -> %s: %w", m.OldID, m.NewID, err)
		}
		if err := r.remote.DeleteAccount(ctx, m.OldID); err != nil {
			return done, fmt.Errorf("delete remote account %s: %w", m.OldID, err)
		}
		if err := r.local.DeleteRemap(ctx, m.OldID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
