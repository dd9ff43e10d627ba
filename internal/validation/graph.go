package validation

import (
	"fmt"
	"sort"

	"github.com/cascadehq/cascade/pkg/schema"
)

// validateGraph performs graph analysis on a definition's steps: trigger
// placement, slug uniqueness, dangling references, loop body membership,
// cycle detection outside loop bodies, and reachability.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	slugs := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, exists := slugs[step.Slug]; exists {
			result.AddError(step.Slug, "slug", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step slug %q", step.Slug))
			continue
		}
		slugs[step.Slug] = step
	}
	if !result.Valid() {
		return result // reference checks are meaningless with duplicate slugs
	}

	validateTriggerPlacement(def, result)

	// bodyOf maps a body step slug to its owning loop slug. Body steps are
	// sequenced by the loop itself, so they must not be shared or chained
	// into from the outer graph.
	bodyOf := collectLoopBodies(def, slugs, result)

	for i := range def.Steps {
		step := &def.Steps[i]
		validateEdges(step, slugs, bodyOf, result)
	}

	if result.Valid() {
		validateAcyclic(def, slugs, bodyOf, result)
	}

	return result
}

// validateTriggerPlacement enforces exactly one trigger step, positioned
// as the entry point of the workflow.
func validateTriggerPlacement(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	var triggers []*schema.StepDefinition
	for i := range def.Steps {
		if def.Steps[i].Type == schema.StepTypeTrigger {
			triggers = append(triggers, &def.Steps[i])
		}
	}

	switch len(triggers) {
	case 0:
		result.AddError("", "steps", schema.ErrCodeValidation,
			"workflow must contain exactly one trigger step; found none")
	case 1:
		if triggers[0].Slug != def.Steps[0].Slug {
			result.AddError(triggers[0].Slug, "position", schema.ErrCodeValidation,
				"trigger step must be the first step of the workflow")
		}
	default:
		for _, tr := range triggers[1:] {
			result.AddError(tr.Slug, "type", schema.ErrCodeValidation,
				"workflow must contain exactly one trigger step")
		}
	}
}

// collectLoopBodies validates loop body slug references and returns the
// body-slug -> loop-slug ownership map.
func collectLoopBodies(def *schema.WorkflowDefinition, slugs map[string]*schema.StepDefinition, result *schema.ValidationResult) map[string]string {
	bodyOf := make(map[string]string)

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Type != schema.StepTypeLoop {
			continue
		}

		params, err := decodeParams[schema.LoopParams](step.Params)
		if err != nil {
			continue // malformed params already reported by the schema stage
		}

		for j, bodySlug := range params.Body {
			path := fmt.Sprintf("params/body/%d", j)
			body, ok := slugs[bodySlug]
			if !ok {
				result.AddError(step.Slug, path, schema.ErrCodeValidation,
					fmt.Sprintf("loop body references non-existent step %q", bodySlug))
				continue
			}
			if bodySlug == step.Slug {
				result.AddError(step.Slug, path, schema.ErrCodeValidation,
					"loop cannot contain itself in its body")
				continue
			}
			if body.Type == schema.StepTypeTrigger {
				result.AddError(step.Slug, path, schema.ErrCodeValidation,
					fmt.Sprintf("trigger step %q cannot be a loop body step", bodySlug))
				continue
			}
			if owner, taken := bodyOf[bodySlug]; taken {
				result.AddError(step.Slug, path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q already belongs to the body of loop %q", bodySlug, owner))
				continue
			}
			bodyOf[bodySlug] = step.Slug
		}
	}

	return bodyOf
}

// validateEdges checks next/branch targets for one step.
func validateEdges(step *schema.StepDefinition, slugs map[string]*schema.StepDefinition, bodyOf map[string]string, result *schema.ValidationResult) {
	checkTarget := func(path, target string) {
		if target == "" {
			return
		}
		if _, ok := slugs[target]; !ok {
			result.AddError(step.Slug, path, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", target))
			return
		}
		if slugs[target].Type == schema.StepTypeTrigger {
			result.AddError(step.Slug, path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q cannot route back into the trigger", target))
			return
		}
		// A loop body step may only be entered by its loop.
		if owner, inBody := bodyOf[target]; inBody && owner != step.Slug && bodyOf[step.Slug] != owner {
			result.AddError(step.Slug, path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q belongs to the body of loop %q and cannot be entered directly", target, owner))
		}
	}

	checkTarget("next", step.Next)

	if step.Type == schema.StepTypeCondition {
		if len(step.Branches) == 0 {
			result.AddError(step.Slug, "branches", schema.ErrCodeValidation,
				"condition step requires at least one branch")
		}
		for _, key := range sortedBranchKeys(step.Branches) {
			checkTarget("branches/"+key, step.Branches[key])
		}
	} else if len(step.Branches) > 0 {
		result.AddError(step.Slug, "branches", schema.ErrCodeValidation,
			fmt.Sprintf("branches are only valid on condition steps, not %s", step.Type))
	}
}

// validateAcyclic detects cycles in the outer step graph using DFS
// coloring. Loop bodies are excluded: re-entering the same body slugs per
// item is the loop's own contract, not a graph cycle.
func validateAcyclic(def *schema.WorkflowDefinition, slugs map[string]*schema.StepDefinition, bodyOf map[string]string, result *schema.ValidationResult) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(def.Steps))

	var visit func(slug string) bool
	visit = func(slug string) bool {
		color[slug] = gray
		for _, target := range outerEdges(slugs[slug], bodyOf) {
			switch color[target] {
			case gray:
				result.AddError(slug, "next", schema.ErrCodeValidation,
					fmt.Sprintf("cycle detected: step %q routes back to %q", slug, target))
				return false
			case white:
				if !visit(target) {
					return false
				}
			}
		}
		color[slug] = black
		return true
	}

	for i := range def.Steps {
		slug := def.Steps[i].Slug
		if _, inBody := bodyOf[slug]; inBody {
			continue
		}
		if color[slug] == white && !visit(slug) {
			return
		}
	}

	// Reachability from the trigger through outer edges and loop bodies.
	reachable := make(map[string]bool, len(def.Steps))
	var mark func(slug string)
	mark = func(slug string) {
		if reachable[slug] {
			return
		}
		reachable[slug] = true
		step := slugs[slug]
		for _, target := range outerEdges(step, nil) {
			mark(target)
		}
		if step.Type == schema.StepTypeLoop {
			if params, err := decodeParams[schema.LoopParams](step.Params); err == nil {
				for _, bodySlug := range params.Body {
					mark(bodySlug)
				}
			}
		}
	}
	if len(def.Steps) > 0 {
		mark(def.Steps[0].Slug)
	}

	for i := range def.Steps {
		slug := def.Steps[i].Slug
		if !reachable[slug] {
			result.AddWarning(slug, "", schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the trigger", slug))
		}
	}
}

// outerEdges returns the graph edges leaving a step: next plus condition
// branches, in deterministic order. Edges into the step's own loop body
// are excluded when bodyOf is provided.
func outerEdges(step *schema.StepDefinition, bodyOf map[string]string) []string {
	var edges []string
	add := func(target string) {
		if target == "" {
			return
		}
		if bodyOf != nil {
			if _, inBody := bodyOf[target]; inBody {
				return
			}
		}
		edges = append(edges, target)
	}

	add(step.Next)
	for _, key := range sortedBranchKeys(step.Branches) {
		add(step.Branches[key])
	}
	return edges
}

func sortedBranchKeys(branches map[string]string) []string {
	keys := make([]string, 0, len(branches))
	for k := range branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
