package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edirooss/substancecache/pkg/jsonx"
)

// AliasTable maps canonical record name -> curated alias list. It is kept
// verbatim inside the snapshot (alias_source) so index rebuilds stay a pure
// function of (records, alias table) with no re-read of the alias file.
//
// Grounded on original_source/src/cache/snapshot.rs's SubstanceAliases.
type AliasTable struct {
	Aliases map[string][]string `json:"aliases" msgpack:"aliases"`
}

// aliasFile is the on-disk shape of the curated alias file.
type aliasFile struct {
	Aliases map[string][]string `json:"aliases"`
}

// LoadAliasTable reads the curated alias file at path. A missing file is not
// an error: it returns an empty table, the same as the upstream project
// treats "no curated aliases available".
func LoadAliasTable(path string) (AliasTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AliasTable{Aliases: map[string][]string{}}, nil
		}
		return AliasTable{}, fmt.Errorf("open alias file %q: %w", path, err)
	}
	defer f.Close()

	var doc aliasFile
	if err := jsonx.ParseJSONObject(io.Reader(f), &doc); err != nil {
		return AliasTable{}, fmt.Errorf("parse alias file %q: %w", path, err)
	}
	if doc.Aliases == nil {
		doc.Aliases = map[string][]string{}
	}
	return AliasTable{Aliases: doc.Aliases}, nil
}

// MergeRedirects folds a backend-supplied target->sources redirect map into
// the table. Filters, in order:
//   - source contains a namespace-style colon-prefix token ("Talk:", "File:",
//     "Project talk:"), contains '/', or ends with a botany/mycology suffix
//     marker — skipped as non-substance aliases.
//   - source is a case-only duplicate of its own target — skipped.
//   - source already present (case-insensitively) under that target — skipped.
//   - source already curated under a *different* target — skipped; curated
//     data always wins cross-target conflicts (spec P8).
func (t *AliasTable) MergeRedirects(redirects map[string][]string) {
	if t.Aliases == nil {
		t.Aliases = map[string][]string{}
	}

	curatedAliasToTarget := make(map[string]string)
	for target, aliases := range t.Aliases {
		for _, a := range aliases {
			curatedAliasToTarget[strings.ToLower(a)] = target
		}
	}

	namespacePrefixes := []string{"Talk:", "File:", "Project talk:"}
	suffixMarkers := []string{"(Botany)", "(botany)", "(Mycology)", "(mycology)"}

	for target, sources := range redirects {
		targetLower := strings.ToLower(target)
		existing := t.Aliases[target]
		existingLower := make(map[string]struct{}, len(existing))
		for _, a := range existing {
			existingLower[strings.ToLower(a)] = struct{}{}
		}

		for _, source := range sources {
			if hasAnyPrefix(source, namespacePrefixes) || strings.Contains(source, "/") || hasAnySuffix(source, suffixMarkers) {
				continue
			}

			sourceLower := strings.ToLower(source)
			if sourceLower == targetLower {
				continue
			}
			if _, ok := existingLower[sourceLower]; ok {
				continue
			}
			if curatedTarget, ok := curatedAliasToTarget[sourceLower]; ok && strings.ToLower(curatedTarget) != targetLower {
				continue
			}

			existing = append(existing, source)
			existingLower[sourceLower] = struct{}{}
		}

		t.Aliases[target] = existing
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// SaveRedirectCache writes a merged redirect map to disk for faster
// subsequent loads, mirroring the curated aliases.json shape.
func SaveRedirectCache(path string, redirects map[string][]string) error {
	b, err := json.MarshalIndent(struct {
		Redirects map[string][]string `json:"redirects"`
	}{Redirects: redirects}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal redirect cache: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write redirect cache %q: %w", path, err)
	}
	return nil
}

// LoadRedirectCache reads a previously-saved redirect cache, if present.
func LoadRedirectCache(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("open redirect cache %q: %w", path, err)
	}
	defer f.Close()

	var doc struct {
		Redirects map[string][]string `json:"redirects"`
	}
	if err := jsonx.ParseJSONObject(io.Reader(f), &doc); err != nil {
		return nil, fmt.Errorf("parse redirect cache %q: %w", path, err)
	}
	if doc.Redirects == nil {
		doc.Redirects = map[string][]string{}
	}
	return doc.Redirects, nil
}
