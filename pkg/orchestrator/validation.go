package orchestrator

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/cohesivestack/valgo"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
)

/*
validationError folds a failed valgo validation into a single
ValidationError whose data lists the messages per field.
*/
func validationError(val *valgo.Validation) error {
	if val.Valid() {
		return nil
	}

	fields := make(map[string][]string)
	names := make([]string, 0)

	for name, valueErr := range val.Errors() {
		fields[name] = valueErr.Messages()
		names = append(names, name)
	}

	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, strings.Join(fields[name], "; "))
	}

	return memerr.ErrValidation.WithMessagef("%s", strings.Join(parts, "; ")).WithData(fields)
}

func validateAdd(req AddRequest) error {
	val := valgo.Is(
		valgo.String(req.UserID, "user_id").Not().Blank(),
		valgo.String(req.Content(), "memory_content").Not().Blank().MaxLength(MaxTextLength),
	)

	for i, rel := range req.Relations {
		val.Is(
			valgo.String(rel.TargetID, fmt.Sprintf("relations_%d_target_id", i)).Not().Blank(),
			valgo.String(rel.Relation, fmt.Sprintf("relations_%d_relation", i)).Not().Blank(),
		)
	}

	return validationError(val)
}

func validateSearch(req SearchRequest) error {
	val := valgo.Is(
		valgo.String(req.UserID, "user_id").Not().Blank(),
		valgo.String(req.Query, "query").Not().Blank().MaxLength(MaxTextLength),
		valgo.Int(req.TopK, "top_k").Between(0, MaxTopK),
		valgo.Float64(req.Relativity, "relativity").Between(0, 1),
	)

	if err := validationError(val); err != nil {
		return err
	}

	for key := range req.Filter {
		if !slices.Contains(memory.PayloadKeys, key) {
			return memerr.ErrValidation.WithMessagef(
				"filter key %q is not filterable, use one of %s", key, strings.Join(memory.PayloadKeys, ", "),
			)
		}
	}

	return nil
}

func validateUpdate(req UpdateRequest) error {
	val := valgo.Is(
		valgo.String(req.MemoryID, "memory_id").Not().Blank(),
		valgo.String(req.UserID, "user_id").Not().Blank(),
	)

	if req.Text != nil {
		val.Is(valgo.String(*req.Text, "memory").Not().Blank().MaxLength(MaxTextLength))
	}

	if err := validationError(val); err != nil {
		return err
	}

	if req.Text == nil && req.Metadata == nil && req.Scope == nil {
		return memerr.ErrValidation.WithMessagef("nothing to update")
	}

	return nil
}

func validateTarget(memoryID, userID string) error {
	return validationError(valgo.Is(
		valgo.String(memoryID, "memory_id").Not().Blank(),
		valgo.String(userID, "user_id").Not().Blank(),
	))
}

func validateNeighbors(req NeighborsRequest) error {
	val := valgo.Is(
		valgo.String(req.MemoryID, "memory_id").Not().Blank(),
		valgo.String(req.UserID, "user_id").Not().Blank(),
		valgo.String(req.Direction, "direction").InSlice([]string{"", "in", "out", "both"}),
		valgo.Int(req.Limit, "limit").Between(0, MaxNeighbors),
	)

	return validationError(val)
}

func validatePath(req PathRequest) *valgo.Validation {
	return valgo.Is(
		valgo.String(req.SourceID, "source_memory_id").Not().Blank(),
		valgo.String(req.TargetID, "target_memory_id").Not().Blank(),
		valgo.String(req.UserID, "user_id").Not().Blank(),
		valgo.String(req.Direction, "direction").InSlice([]string{"", "in", "out", "both"}),
		valgo.Int(req.MaxDepth, "max_depth").Between(0, MaxPathDepth),
	)
}

func validatePaths(req PathsRequest) error {
	return validationError(validatePath(req.PathRequest).Is(
		valgo.Int(req.TopK, "top_k_paths").Between(0, MaxPaths),
	))
}

/*
normalizeFilter rewrites scope aliases so a filter on "ltm" matches the
stored canonical name.
*/
func normalizeFilter(filter map[string]any) (memory.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}

	out := make(memory.Filter, len(filter))

	for key, value := range filter {
		if key == "scope" {
			scope, err := memory.ParseScope(fmt.Sprint(value))
			if err != nil {
				return nil, err
			}
			value = string(scope)
		}

		out[key] = value
	}

	return out, nil
}
