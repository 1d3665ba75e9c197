package collection

import "testing"

func TestDetectConflict(t *testing.T) {
	if detectConflict(5, nil) {
		t.Fatalf("absent expectation must never conflict")
	}
	if detectConflict(5, int64Ptr(5)) {
		t.Fatalf("matching expectation must not conflict")
	}
	if !detectConflict(5, int64Ptr(3)) {
		t.Fatalf("diverging expectation must conflict")
	}
}

func TestResolveAdditive(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		server   int64
		expected int64
		delta    int64
		want     int64
	}{
		{name: "last-write-wins-lands-on-server", strategy: StrategyLastWriteWins, server: 5, expected: 3, delta: 2, want: 7},
		{name: "keep-higher-prefers-server-total", strategy: StrategyKeepHigher, server: 5, expected: 3, delta: 2, want: 7},
		{name: "keep-higher-prefers-client-total", strategy: StrategyKeepHigher, server: 2, expected: 6, delta: 1, want: 7},
		{name: "merge-add-superimposes-deltas", strategy: StrategyMergeAdd, server: 5, expected: 3, delta: 2, want: 7},
		{name: "server-wins-stacks-on-server", strategy: StrategyServerWins, server: 9, expected: 3, delta: 2, want: 11},
		{name: "client-wins-stacks-on-claim", strategy: StrategyClientWins, server: 9, expected: 3, delta: 2, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveAdditive(tt.strategy, tt.server, tt.expected, tt.delta)
			if got != tt.want {
				t.Fatalf("resolveAdditive(%s, %d, %d, %d) = %d, want %d",
					tt.strategy, tt.server, tt.expected, tt.delta, got, tt.want)
			}
		})
	}
}

func TestResolveAbsolute(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		server   int64
		expected int64
		proposed int64
		want     int64
	}{
		{name: "last-write-wins-takes-target", strategy: StrategyLastWriteWins, server: 10, expected: 5, proposed: 2, want: 2},
		{name: "keep-higher-prefers-server", strategy: StrategyKeepHigher, server: 10, expected: 5, proposed: 2, want: 10},
		{name: "keep-higher-prefers-target", strategy: StrategyKeepHigher, server: 4, expected: 5, proposed: 9, want: 9},
		{name: "merge-add-superimposes-both", strategy: StrategyMergeAdd, server: 7, expected: 5, proposed: 9, want: 11},
		{name: "merge-add-can-go-negative", strategy: StrategyMergeAdd, server: 1, expected: 5, proposed: 0, want: -4},
		{name: "server-wins-keeps-server", strategy: StrategyServerWins, server: 7, expected: 5, proposed: 9, want: 7},
		{name: "client-wins-takes-target", strategy: StrategyClientWins, server: 7, expected: 5, proposed: 9, want: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveAbsolute(tt.strategy, tt.server, tt.expected, tt.proposed)
			if got != tt.want {
				t.Fatalf("resolveAbsolute(%s, %d, %d, %d) = %d, want %d",
					tt.strategy, tt.server, tt.expected, tt.proposed, got, tt.want)
			}
		})
	}
}

func TestResolveAbsoluteKeepHigherDominates(t *testing.T) {
	quantities := []int64{0, 1, 3, 10, 250}
	for _, server := range quantities {
		for _, proposed := range quantities {
			got := resolveBulk(StrategyKeepHigher, server, proposed)
			if got < server || got < proposed {
				t.Fatalf("keep_higher produced %d below candidates %d/%d", got, server, proposed)
			}
		}
	}
}

func TestResolveBulkMergeAddDegradesToKeepHigher(t *testing.T) {
	if got := resolveBulk(StrategyMergeAdd, 4, 9); got != 9 {
		t.Fatalf("merge_add should degrade to keep_higher in bulk, got %d", got)
	}
	if got := resolveBulk(StrategyMergeAdd, 9, 4); got != 9 {
		t.Fatalf("merge_add should degrade to keep_higher in bulk, got %d", got)
	}
}

func TestResolveBulkPicksSides(t *testing.T) {
	if got := resolveBulk(StrategyServerWins, 4, 9); got != 4 {
		t.Fatalf("server_wins should keep server quantity, got %d", got)
	}
	if got := resolveBulk(StrategyClientWins, 4, 9); got != 9 {
		t.Fatalf("client_wins should take client quantity, got %d", got)
	}
	if got := resolveBulk(StrategyLastWriteWins, 4, 0); got != 0 {
		t.Fatalf("last_write_wins should take client quantity, got %d", got)
	}
}

func TestBulkDeletesUnlisted(t *testing.T) {
	deleting := map[Strategy]bool{
		StrategyClientWins:    true,
		StrategyLastWriteWins: true,
		StrategyServerWins:    false,
		StrategyKeepHigher:    false,
		StrategyMergeAdd:      false,
	}
	for strategy, want := range deleting {
		if got := bulkDeletesUnlisted(strategy); got != want {
			t.Fatalf("bulkDeletesUnlisted(%s) = %v, want %v", strategy, got, want)
		}
	}
}

func TestClampQuantityFloorsAtZero(t *testing.T) {
	if got := clampQuantity(-4); got != 0 {
		t.Fatalf("expected clamp to zero, got %d", got)
	}
	if got := clampQuantity(6); got != 6 {
		t.Fatalf("expected positive quantity unchanged, got %d", got)
	}
}

func TestParseStrategyDefaultsAndRejects(t *testing.T) {
	strategy, err := ParseStrategy("")
	if err != nil || strategy != StrategyLastWriteWins {
		t.Fatalf("empty strategy should default to last_write_wins, got %q err %v", strategy, err)
	}
	if _, err := ParseStrategy("highest_bidder"); err == nil {
		t.Fatalf("expected unknown strategy to be rejected")
	}
}
