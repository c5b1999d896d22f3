package filter

import (
	"encoding/json"
	"fmt"

	"github.com/kilnworks/catalogsync/internal/domain"
)

// exprJSON is the wire form of an expression node. Exactly one field must be set.
type exprJSON struct {
	Eq    *eqJSON    `json:"eq,omitempty"`
	In    *inJSON    `json:"in,omitempty"`
	Range *rangeJSON `json:"range,omitempty"`
	All   []exprJSON `json:"all,omitempty"`
	Any   []exprJSON `json:"any,omitempty"`
}

type eqJSON struct {
	Attr  string `json:"attr"`
	Value string `json:"value"`
}

type inJSON struct {
	Attr   string   `json:"attr"`
	Values []string `json:"values"`
}

type rangeJSON struct {
	Attr string   `json:"attr"`
	GT   *float64 `json:"gt,omitempty"`
	GTE  *float64 `json:"gte,omitempty"`
	LT   *float64 `json:"lt,omitempty"`
	LTE  *float64 `json:"lte,omitempty"`
}

// ParseExpression decodes a registry expression payload into an expression tree.
// Any structural problem is reported as a malformed-filter error; callers treat
// such filters as matching nothing.
func ParseExpression(data []byte) (Expr, error) {
	if len(data) == 0 {
		return Expr{}, fmt.Errorf("empty expression payload: %w", domain.ErrMalformedFilter)
	}
	var raw exprJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Expr{}, fmt.Errorf("decode expression: %v: %w", err, domain.ErrMalformedFilter)
	}
	expr, err := buildExpr(raw)
	if err != nil {
		return Expr{}, fmt.Errorf("%v: %w", err, domain.ErrMalformedFilter)
	}
	return expr, nil
}

// EncodeExpression encodes an expression tree into its wire form.
func EncodeExpression(e Expr) ([]byte, error) {
	raw, err := exprToJSON(e)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode expression: %w", err)
	}
	return data, nil
}

func buildExpr(raw exprJSON) (Expr, error) {
	variants := 0
	if raw.Eq != nil {
		variants++
	}
	if raw.In != nil {
		variants++
	}
	if raw.Range != nil {
		variants++
	}
	if len(raw.All) > 0 {
		variants++
	}
	if len(raw.Any) > 0 {
		variants++
	}
	if variants != 1 {
		return Expr{}, fmt.Errorf("expression node must have exactly one of eq/in/range/all/any, got %d", variants)
	}

	switch {
	case raw.Eq != nil:
		return NewEquals(raw.Eq.Attr, raw.Eq.Value)
	case raw.In != nil:
		return NewInSet(raw.In.Attr, raw.In.Values...)
	case raw.Range != nil:
		r, err := NewRange(raw.Range.GT, raw.Range.GTE, raw.Range.LT, raw.Range.LTE)
		if err != nil {
			return Expr{}, err
		}
		return NewRangePredicate(raw.Range.Attr, r)
	case len(raw.All) > 0:
		children, err := buildChildren(raw.All)
		if err != nil {
			return Expr{}, err
		}
		return NewAll(children...)
	default:
		children, err := buildChildren(raw.Any)
		if err != nil {
			return Expr{}, err
		}
		return NewAny(children...)
	}
}

func buildChildren(raw []exprJSON) ([]Expr, error) {
	children := make([]Expr, 0, len(raw))
	for i, rc := range raw {
		child, err := buildExpr(rc)
		if err != nil {
			return nil, fmt.Errorf("sub-expression %d: %w", i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func exprToJSON(e Expr) (exprJSON, error) {
	switch e.kind {
	case KindEquals:
		return exprJSON{Eq: &eqJSON{Attr: e.attr, Value: e.eq}}, nil
	case KindInSet:
		return exprJSON{In: &inJSON{Attr: e.attr, Values: e.set}}, nil
	case KindRange:
		return exprJSON{Range: &rangeJSON{
			Attr: e.attr, GT: e.rng.gt, GTE: e.rng.gte, LT: e.rng.lt, LTE: e.rng.lte,
		}}, nil
	case KindGroup:
		raw := make([]exprJSON, 0, len(e.children))
		for _, child := range e.children {
			rc, err := exprToJSON(child)
			if err != nil {
				return exprJSON{}, err
			}
			raw = append(raw, rc)
		}
		if e.op == OpAny {
			return exprJSON{Any: raw}, nil
		}
		return exprJSON{All: raw}, nil
	default:
		return exprJSON{}, fmt.Errorf("cannot encode expression node of kind %d", e.kind)
	}
}
