package collection

// detectConflict reports divergence between the store and a client's claimed
// prior quantity. A caller that supplies no expectation claims no knowledge of
// prior state, so no conflict exists by definition.
func detectConflict(serverQuantity int64, expectedQuantity *int64) bool {
	if expectedQuantity == nil {
		return false
	}
	return serverQuantity != *expectedQuantity
}

// resolveAdditive computes the merged quantity when the client's number is a
// delta to stack on top of whatever is stored. The result is unclamped; the
// caller clamps to zero and treats zero as deletion.
func resolveAdditive(strategy Strategy, serverQuantity, expectedQuantity, delta int64) int64 {
	switch strategy {
	case StrategyKeepHigher:
		return maxQuantity(expectedQuantity+delta, serverQuantity+delta)
	case StrategyMergeAdd:
		// Superimposes the client delta and the unaccounted-for server-side
		// movement onto the claimed common ancestor.
		return expectedQuantity + delta + (serverQuantity - expectedQuantity)
	case StrategyClientWins:
		return expectedQuantity + delta
	case StrategyServerWins:
		return serverQuantity + delta
	default:
		// last_write_wins: the add always lands on the current server count.
		return serverQuantity + delta
	}
}

// resolveAbsolute computes the merged quantity when the client's number is a
// target to set. The result is unclamped.
func resolveAbsolute(strategy Strategy, serverQuantity, expectedQuantity, newQuantity int64) int64 {
	switch strategy {
	case StrategyKeepHigher:
		return maxQuantity(newQuantity, serverQuantity)
	case StrategyMergeAdd:
		serverDelta := serverQuantity - expectedQuantity
		clientDelta := newQuantity - expectedQuantity
		return expectedQuantity + clientDelta + serverDelta
	case StrategyServerWins:
		return serverQuantity
	case StrategyClientWins:
		return newQuantity
	default:
		// last_write_wins: the more recent call simply wins.
		return newQuantity
	}
}

// resolveBulk computes the merged quantity for one diverging key during bulk
// reconciliation. A full-snapshot diff carries no delta, so merge_add degrades
// to keep_higher.
func resolveBulk(strategy Strategy, serverQuantity, clientQuantity int64) int64 {
	switch strategy {
	case StrategyKeepHigher, StrategyMergeAdd:
		return maxQuantity(clientQuantity, serverQuantity)
	case StrategyServerWins:
		return serverQuantity
	case StrategyClientWins:
		return clientQuantity
	default:
		return clientQuantity
	}
}

// bulkDeletesUnlisted reports whether a key present server-side but absent
// from the client snapshot is treated as an authoritative client delete.
// Under server_wins and keep_higher the server copy survives unmentioned.
func bulkDeletesUnlisted(strategy Strategy) bool {
	return strategy == StrategyClientWins || strategy == StrategyLastWriteWins
}

// clampQuantity floors a resolved quantity at zero before it is applied.
func clampQuantity(quantity int64) int64 {
	if quantity < 0 {
		return 0
	}
	return quantity
}

func maxQuantity(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
