package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/pkg/models"
)

const (
	maxHandleLen     = 15
	handleAttempts   = 5
	generatedPerCall = 5
)

var errNoUniqueName = errors.New("fleet: could not find an unused handle")

// Seed lists for the local name generator, used when the policy service is
// unavailable or returns nothing usable.
var (
	givenNames = []string{
		"Amara", "Kenji", "Sofia", "Mateo", "Priya", "Liam", "Aisha", "Noah", "Mei", "Diego",
		"Zainab", "Lukas", "Yara", "Ivan", "Chloe", "Tariq", "Ingrid", "Kwame", "Leila", "Arjun",
		"Elif", "Bruno", "Nadia", "Hiro", "Camila", "Omar", "Freya", "Tomas", "Ananya", "Sione",
	}
	familyNames = []string{
		"Okafor", "Tanaka", "Rossi", "Garcia", "Sharma", "Murphy", "Haddad", "Kim", "Chen", "Silva",
		"Nowak", "Schmidt", "Dubois", "Petrov", "Mensah", "Johansson", "Yilmaz", "Nguyen", "Cohen", "Fofanah",
	}
)

// nextName takes a name from the pool, falling back to generating one when the
// pool is empty. Generated handles are checked against the store.
func (o *Orchestrator) nextName(ctx context.Context) (models.PoolName, error) {
	p, err := o.store.TakePoolName(ctx)
	if err != nil {
		return models.PoolName{}, fmt.Errorf("take pool name: %w", err)
	}
	if p != nil {
		return *p, nil
	}
	for i := 0; i < handleAttempts; i++ {
		candidates := o.generateNames(ctx, 1)
		if len(candidates) == 0 {
			continue
		}
		c := candidates[0]
		exists, err := o.store.FleetHandleExists(ctx, c.Handle)
		if err != nil {
			return models.PoolName{}, err
		}
		if !exists {
			return c, nil
		}
	}
	return models.PoolName{}, errNoUniqueName
}

// generateNames returns up to n sanitized name/handle pairs. The policy service is
// asked first; the local seed lists fill whatever is missing.
func (o *Orchestrator) generateNames(ctx context.Context, n int) []models.PoolName {
	var out []models.PoolName
	seen := map[string]bool{}
	add := func(p models.PoolName) {
		p.Name = strings.TrimSpace(p.Name)
		p.Handle = SanitizeHandle(p.Handle)
		if p.Name == "" || p.Handle == "" || seen[p.Handle] || len(out) >= n {
			return
		}
		seen[p.Handle] = true
		out = append(out, p)
	}

	if o.policy != nil {
		for _, p := range o.askNames(ctx, n) {
			add(p)
		}
	}
	for tries := 0; len(out) < n && tries < n*4; tries++ {
		add(o.localName())
	}
	return out
}

func (o *Orchestrator) askNames(ctx context.Context, n int) []models.PoolName {
	prompt := fmt.Sprintf("Invent %d realistic, culturally diverse people for a social network. "+
		`Return JSON {"names":[{"name":"Full Name","handle":"lowercase_handle"}]}. `+
		"Handles: lowercase letters, digits or underscores, at most %d characters.", n, maxHandleLen)
	text, err := o.policy.Generate(ctx, prompt, policy.GenerateOptions{JSONMode: true, Temperature: 1.0, MaxTokens: 40 * n})
	if err != nil {
		slog.Debug("name generation failed", "err", err)
		return nil
	}
	var resp struct {
		Names []models.PoolName `json:"names"`
	}
	if err := policy.DecodeJSON(text, &resp); err != nil {
		slog.Debug("name generation returned bad json", "err", err)
		return nil
	}
	return resp.Names
}

func (o *Orchestrator) localName() models.PoolName {
	given := givenNames[o.opts.Rand.Intn(len(givenNames))]
	family := familyNames[o.opts.Rand.Intn(len(familyNames))]
	suffix := strconv.Itoa(o.opts.Rand.Intn(1000))
	handle := strings.ToLower(given) + "_" + strings.ToLower(family)
	if keep := maxHandleLen - len(suffix); len(handle) > keep {
		handle = handle[:keep]
	}
	return models.PoolName{Name: given + " " + family, Handle: handle + suffix}
}

// SanitizeHandle lowercases h and keeps only letters, digits and underscores,
// truncated to the handle length limit.
func SanitizeHandle(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@")) {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
		if b.Len() == maxHandleLen {
			break
		}
	}
	return b.String()
}

// housekeeping purges consumed reactions and tops up the name pool.
func (o *Orchestrator) housekeeping(ctx context.Context, _ *tickStats) error {
	if n, err := o.store.PurgeUsedReactions(ctx); err != nil {
		return fmt.Errorf("purge reactions: %w", err)
	} else if n > 0 {
		slog.Debug("purged used reactions", "count", n)
	}

	have, err := o.store.CountPoolNames(ctx)
	if err != nil {
		return fmt.Errorf("count pool names: %w", err)
	}
	if have >= o.opts.NamePoolLowWater {
		return nil
	}
	known, err := o.store.ListKnownHandles(ctx)
	if err != nil {
		return fmt.Errorf("list known handles: %w", err)
	}
	taken := make(map[string]bool, len(known))
	for _, h := range known {
		taken[h] = true
	}
	var fresh []models.PoolName
	for batch := 0; batch < namePoolBatch/generatedPerCall && len(fresh) < namePoolBatch; batch++ {
		for _, p := range o.generateNames(ctx, generatedPerCall) {
			if taken[p.Handle] {
				continue
			}
			taken[p.Handle] = true
			fresh = append(fresh, p)
		}
	}
	added, err := o.store.InsertPoolNames(ctx, fresh)
	if err != nil {
		return fmt.Errorf("insert pool names: %w", err)
	}
	slog.Info("name pool refilled", "added", added, "pool", have+added)
	return nil
}
