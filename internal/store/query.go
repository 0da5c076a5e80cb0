package store

import (
	"fmt"
	"strings"
)

// Predicate filters recorded effects. Only the types in this file
// implement it, so compileWhere can switch over them exhaustively.
type Predicate interface {
	predicate()
}

// Equals matches rows whose column equals Value.
type Equals struct {
	Column string
	Value  any
}

// AtLeast matches rows whose column is >= Value.
type AtLeast struct {
	Column string
	Value  any
}

// AtMost matches rows whose column is <= Value.
type AtMost struct {
	Column string
	Value  any
}

// And matches rows every predicate matches. An empty And matches all rows.
type And []Predicate

func (Equals) predicate()  {}
func (AtLeast) predicate() {}
func (AtMost) predicate()  {}
func (And) predicate()     {}

// effectColumns are the columns a predicate may name.
var effectColumns = map[string]bool{
	"seq":  true,
	"tick": true,
	"node": true,
}

// compileWhere turns p into a SQL condition. Values are always bound as
// parameters.
func compileWhere(p Predicate) (string, []any, error) {
	column := func(name string) error {
		if !effectColumns[name] {
			return fmt.Errorf("unknown column %q", name)
		}
		return nil
	}
	compare := func(name, op string, v any) (string, []any, error) {
		if err := column(name); err != nil {
			return "", nil, err
		}
		return name + " " + op + " ?", []any{v}, nil
	}

	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case Equals:
		return compare(pred.Column, "=", pred.Value)
	case AtLeast:
		return compare(pred.Column, ">=", pred.Value)
	case AtMost:
		return compare(pred.Column, "<=", pred.Value)
	case And:
		if len(pred) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred))
		var params []any
		for _, sub := range pred {
			sql, ps, err := compileWhere(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, ps...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

// compileEffectQuery builds the SELECT for the effects of runID matching
// where. Rows always come back in recording order.
func compileEffectQuery(runID string, where Predicate) (string, []any, error) {
	cond, params, err := compileWhere(where)
	if err != nil {
		return "", nil, fmt.Errorf("compile effect filter: %w", err)
	}
	sql := "SELECT seq, tick, node, payload FROM effects WHERE run_id = ? AND " + cond +
		" ORDER BY tick ASC, seq ASC"
	return sql, append([]any{runID}, params...), nil
}
