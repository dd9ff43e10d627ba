package planner

// SelectIndex scores every available index against the extracted
// conditions and returns the winning plan. Pure function, no I/O.
//
// Scoring: the count of leading index fields bound by an equality
// predicate, plus 0.5 when the field immediately after the equality run
// has a range predicate. Ties prefer the index with fewer total fields.
// With no matching prefix anywhere, the plan is a full scan and every
// condition becomes residual.
func SelectIndex(conditions []Condition, available []IndexSpec) *Plan {
	eq := make(map[string]bool, len(conditions))
	rng := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		if c.Operator == OpEq {
			eq[c.Field] = true
		} else if c.Operator.Range() {
			rng[c.Field] = true
		}
	}

	var (
		best      *IndexSpec
		bestScore float64
		bestUsed  map[string]bool
	)

	for i := range available {
		idx := &available[i]
		score, used := scoreIndex(idx, eq, rng)
		if score == 0 {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && len(idx.Fields) < len(best.Fields)) {
			best, bestScore, bestUsed = idx, score, used
		}
	}

	if best == nil {
		return &Plan{Residual: append([]Condition(nil), conditions...)}
	}

	plan := &Plan{Index: best, Score: bestScore}
	for _, c := range conditions {
		if bestUsed[conditionKey(c)] {
			plan.KeyConditions = append(plan.KeyConditions, c)
		} else {
			plan.Residual = append(plan.Residual, c)
		}
	}
	return plan
}

// scoreIndex computes the prefix-match score of one index and records
// which (field, kind) predicates it consumes.
func scoreIndex(idx *IndexSpec, eq, rng map[string]bool) (float64, map[string]bool) {
	used := make(map[string]bool)

	run := 0
	for _, field := range idx.Fields {
		if !eq[field] {
			break
		}
		used[field+"/eq"] = true
		run++
	}

	score := float64(run)
	if run < len(idx.Fields) && rng[idx.Fields[run]] {
		used[idx.Fields[run]+"/range"] = true
		score += 0.5
	}

	return score, used
}

func conditionKey(c Condition) string {
	if c.Operator == OpEq {
		return c.Field + "/eq"
	}
	if c.Operator.Range() {
		return c.Field + "/range"
	}
	return c.Field + "/other"
}

// BuildPlan extracts conditions from a filter expression and selects an
// index in one call. Post-filter fragments ride along on the plan.
func BuildPlan(expression string, available []IndexSpec) (*Plan, error) {
	conditions, postFilter, err := ExtractConditions(expression)
	if err != nil {
		return nil, err
	}
	plan := SelectIndex(conditions, available)
	plan.PostFilter = postFilter
	return plan, nil
}
