package eligibility

import "testing"

func TestBuildAppendsForUpdateOnlyWhenLocked(t *testing.T) {
	p := Params{Site: "SITE_A", ResourceType: "SCORE", ProdSourceLabel: "managed"}

	sql, _ := Build(p, LockForUpdate)
	if !hasSuffix(sql, "FOR UPDATE") {
		t.Fatalf("expected FOR UPDATE suffix, got: %s", sql)
	}

	sql, _ = Build(p, LockNone)
	if hasSuffix(sql, "FOR UPDATE") {
		t.Fatalf("dry-run query must not row-lock, got: %s", sql)
	}
}

func TestBuildSharesPredicateList(t *testing.T) {
	p := Params{
		Site:              "SITE_A",
		ResourceType:      "SCORE",
		ProdSourceLabel:   "managed",
		MaxMemPerCore:     2000,
		AllowedCores:      []int{1, 8},
		RSEs:              []string{"RSE_1"},
		RequireSimul:      true,
		MinFilesReady:     50,
		MinFilesRemaining: 100,
	}

	lockedSQL, lockedArgs := Build(p, LockForUpdate)
	dryRunSQL, dryRunArgs := Build(p, LockNone)

	lockedPredicate := trimSuffix(lockedSQL, " FOR UPDATE")
	if lockedPredicate != dryRunSQL {
		t.Fatalf("real and dry-run queries must share the same predicate list:\nreal: %s\ndry:  %s", lockedPredicate, dryRunSQL)
	}
	if len(lockedArgs) != len(dryRunArgs) {
		t.Fatalf("expected identical argument count, got %d vs %d", len(lockedArgs), len(dryRunArgs))
	}
}

func TestBuildOmitsSimulPredicateWhenNoFairsharePolicy(t *testing.T) {
	p := Params{RequireSimul: false}
	sql, _ := Build(p, LockNone)
	if contains(sql, "processing_type") {
		t.Fatalf("expected no processing_type predicate when RequireSimul is false, got: %s", sql)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	if hasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
