package postgres

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// int64Array adapts an id slice for ANY($n) comparisons.
func int64Array(ids []int64) driver.Valuer {
	return pq.Array(ids)
}

func tagsToString(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func stringToTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unionTags(a, b string) string {
	return tagsToString(append(stringToTags(a), stringToTags(b)...))
}

func metaToString(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		log.Printf("postgres: failed to encode task meta, storing {}: %v", err)
		return "{}"
	}
	return string(b)
}

func stringToMeta(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil
	}
	return meta
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}
