package orchestrator

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/visibility-cli/internal/model"
)

// titleCase returns s in title case. A Caser must not be shared across
// goroutines.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// BareDomain strips scheme, credentials, "www.", port and path from a
// domain or URL.
func BareDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.Index(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, "www.")
	return strings.Trim(d, ".")
}

// BrandTerms expands a brand profile into the terms searched for mentions.
// The brand name comes first so it is reported as the canonical brand.
// Variants cover aliases, the bare domain, the domain's first label and
// title-cased forms.
func BrandTerms(name, domain string, aliases []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(name)
	if name != "" {
		add(titleCase(name))
	}
	for _, a := range aliases {
		add(a)
	}

	bare := BareDomain(domain)
	if bare != "" {
		if name == "" {
			// Without a name the first domain label is the canonical brand.
			label, _, _ := strings.Cut(bare, ".")
			add(titleCase(label))
		}
		add(bare)
		label, _, _ := strings.Cut(bare, ".")
		if len(label) >= 3 {
			add(label)
			add(titleCase(label))
		}
	}
	return out
}

// brandContext resolves the brand terms for a job. A batch carrying a brand
// (demo runs) wins; otherwise the workspace profile is read, retrying while
// the workspace is not yet visible. Exhausted lookups yield an empty set.
func (o *Orchestrator) brandContext(ctx context.Context, workspaceID string, batch *model.Batch, out *Outcome) []string {
	if batch != nil && (batch.BrandName != "" || batch.BrandDomain != "") {
		return BrandTerms(batch.BrandName, batch.BrandDomain, nil)
	}

	var lastErr error
	for attempt := range o.cfg.BrandLookupAttempts {
		if attempt > 0 {
			if err := o.sleep(ctx, o.cfg.BrandLookupDelay); err != nil {
				lastErr = err
				break
			}
		}
		ws, err := o.store.GetWorkspace(ctx, workspaceID)
		if err == nil {
			return BrandTerms(ws.BrandName, ws.BrandDomain, ws.BrandAliases)
		}
		lastErr = err
		if !errors.Is(err, model.ErrNotFound) {
			break
		}
		zap.L().Debug("orchestrator: workspace not visible yet",
			zap.String("workspace_id", workspaceID), zap.Int("attempt", attempt+1))
	}

	zap.L().Warn("orchestrator: brand context unavailable, continuing without brands",
		zap.String("workspace_id", workspaceID), zap.Error(lastErr))
	out.advise(StageBrandContext, lastErr)
	return nil
}
