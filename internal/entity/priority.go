package entity

// priorityNumKeys and priorityLabelKeys list the snake_case/camelCase
// aliases the cloud plane uses for the two ways priority is encoded.
var (
	priorityNumKeys   = []string{"priority_num", "priorityNum"}
	priorityLabelKeys = []string{"priority"}
)

// priorityLabelTable maps a fixed label to the numeric value spec.md §4.1
// assigns it when only the label (not a number) is present.
var priorityLabelTable = map[string]int{
	"urgent": 10,
	"high":   25,
	"medium": 50,
	"low":    75,
}

const (
	defaultPriorityNum           = 60
	priorityUrgentMax            = 12
	priorityHighMax              = 30
	priorityMediumMax            = 60
	priorityClampMin             = 1
	priorityClampMax             = 100
)

// NormalizePriority derives {priorityNum, priorityLabel} from a record per
// spec.md §4.1: an explicit priority_num wins (clamped to [1,100] and
// mapped to a label bucket); otherwise a priority label is mapped through
// the fixed table; otherwise the default (60, no label) applies. The
// function is idempotent: feeding its own output back through
// PickNumber/PickString and re-normalizing yields the same result
// (spec.md §8, invariant I2).
func NormalizePriority(rec Record) (priorityNum int, priorityLabel string) {
	if n, ok := PickNumber(rec, priorityNumKeys); ok {
		clamped := clampInt(int(n), priorityClampMin, priorityClampMax)
		return clamped, labelForNum(clamped)
	}
	if label := PickString(rec, priorityLabelKeys); label != "" {
		if n, ok := priorityLabelTable[label]; ok {
			return n, labelForNum(n)
		}
	}
	return defaultPriorityNum, ""
}

func labelForNum(n int) string {
	switch {
	case n <= priorityUrgentMax:
		return "urgent"
	case n <= priorityHighMax:
		return "high"
	case n <= priorityMediumMax:
		return "medium"
	default:
		return "low"
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// dependencyAliasKeys lists the six alias keys spec.md §4.1 names for
// dependency arrays (top-level and nested-metadata variants).
var dependencyAliasKeys = []string{
	"dependency_ids", "dependencyIds",
	"depends_on", "dependsOn",
	"blocked_by", "blockedBy",
}

// NormalizeDependencies returns the deduplicated union of every dependency
// alias array present at the top level and under metadata.
func NormalizeDependencies(rec Record) []string {
	if rec == nil {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, k := range dependencyAliasKeys {
		add(stringArrayField(rec, []string{k}))
		if md := rec.metadata(); md != nil {
			add(stringArrayField(md, []string{k}))
		}
	}
	return out
}
