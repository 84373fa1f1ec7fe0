package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mroth/weightedrand"

	"taskqueue/internal/storage"
	"taskqueue/internal/taskerr"
)

// Strategy selects which eligible task a claim takes.
type Strategy string

const (
	// StrategyFIFO takes the oldest task.
	StrategyFIFO Strategy = "fifo"
	// StrategyLIFO takes the newest task.
	StrategyLIFO Strategy = "lifo"
	// StrategyPriority takes the lowest priority number, oldest first on ties.
	StrategyPriority Strategy = "priority"
	// StrategyWeighted draws among the oldest Options.WeightedWindow eligible
	// tasks, favoring urgent ones. Tasks queued behind a full window wait
	// until older work drains.
	StrategyWeighted Strategy = "weighted"
)

var allStrategies = []Strategy{StrategyFIFO, StrategyLIFO, StrategyPriority, StrategyWeighted}

// AllStrategies lists the supported strategy names.
func AllStrategies() []Strategy {
	return append([]Strategy(nil), allStrategies...)
}

// ParseStrategy validates a strategy name.
func ParseStrategy(value string) (Strategy, error) {
	normalized := Strategy(strings.ToLower(strings.TrimSpace(value)))
	for _, candidate := range allStrategies {
		if candidate == normalized {
			return candidate, nil
		}
	}
	return "", taskerr.Invalid("parse strategy", fmt.Sprintf("unknown strategy %q", value), nil)
}

// weightScale bounds the weight of the most urgent task in a weighted draw.
const weightScale = 1000

// eligibility is the WHERE clause shared by every strategy.
type eligibility struct {
	where string
	args  []any
}

func newEligibility(caps Capabilities, nowNanos int64) eligibility {
	clauses := []string{"status = 'queued'", "run_after <= ?", "attempts < max_attempts"}
	args := []any{nowNanos}
	if len(caps.Types) > 0 {
		clauses = append(clauses, "type IN ("+makePlaceholders(len(caps.Types))+")")
		args = append(args, stringArgs(caps.Types)...)
	}
	clauses, args = appendCompatClause(clauses, args, "compat_region", caps.Regions)
	clauses, args = appendCompatClause(clauses, args, "compat_format", caps.Formats)
	return eligibility{where: strings.Join(clauses, " AND "), args: args}
}

func appendCompatClause(clauses []string, args []any, column string, accepted []string) ([]string, []any) {
	if len(accepted) == 0 {
		return append(clauses, column+" IS NULL"), args
	}
	clause := "(" + column + " IS NULL OR " + column + " IN (" + makePlaceholders(len(accepted)) + "))"
	return append(clauses, clause), append(args, stringArgs(accepted)...)
}

// pick returns the id of the next candidate for strategy, or false when no
// task is eligible.
func (s *Store) pick(ctx context.Context, q storage.Queryer, strategy Strategy, elig eligibility) (int64, bool, error) {
	var order string
	switch strategy {
	case StrategyFIFO:
		order = "id ASC"
	case StrategyLIFO:
		order = "id DESC"
	case StrategyPriority:
		order = "priority ASC, id ASC"
	case StrategyWeighted:
		return s.pickWeighted(ctx, q, elig)
	default:
		return 0, false, taskerr.Invalid("claim", fmt.Sprintf("unknown strategy %q", strategy), nil)
	}

	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM task_queue WHERE `+elig.where+` ORDER BY `+order+` LIMIT 1`, elig.args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select %s candidate: %w", strategy, err)
	}
	return id, true, nil
}

type weightedCandidate struct {
	id       int64
	priority int
}

func (s *Store) pickWeighted(ctx context.Context, q storage.Queryer, elig eligibility) (int64, bool, error) {
	args := append(append([]any(nil), elig.args...), s.opts.WeightedWindow)
	rows, err := q.QueryContext(ctx, `SELECT id, priority FROM task_queue WHERE `+elig.where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return 0, false, fmt.Errorf("select weighted window: %w", err)
	}
	defer rows.Close()

	var candidates []weightedCandidate
	for rows.Next() {
		var c weightedCandidate
		if err := rows.Scan(&c.id, &c.priority); err != nil {
			return 0, false, fmt.Errorf("scan weighted candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if len(candidates) == 0 {
		return 0, false, nil
	}
	if len(candidates) == 1 {
		return candidates[0].id, true, nil
	}

	minPriority := candidates[0].priority
	for _, c := range candidates[1:] {
		minPriority = min(minPriority, c.priority)
	}
	choices := make([]weightedrand.Choice, 0, len(candidates))
	for _, c := range candidates {
		choices = append(choices, weightedrand.Choice{Item: c.id, Weight: priorityWeight(c.priority, minPriority)})
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return 0, false, fmt.Errorf("build weighted chooser: %w", err)
	}

	s.rngMu.Lock()
	picked := chooser.PickSource(s.rng)
	s.rngMu.Unlock()
	return picked.(int64), true, nil
}

// priorityWeight maps a priority to a draw weight: the most urgent task in the
// window gets weightScale, each step less urgent gets proportionally less, and
// nothing drops below 1.
func priorityWeight(priority, minPriority int) uint {
	distance := float64(priority) - float64(minPriority)
	if distance < 0 {
		distance = 0
	}
	w := math.Ceil(weightScale / (1 + distance))
	if w < 1 {
		return 1
	}
	return uint(w)
}
