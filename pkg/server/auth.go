package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/relaykit/relay/pkg/protocol"
)

// PredicateOp tags a declarative auth condition variant.
type PredicateOp string

const (
	// OpEquals passes when the session field deep-equals Value.
	OpEquals PredicateOp = "equals"

	// OpTypeOf passes when the field's JSON type name matches Value
	// ("string", "number", "boolean", "object", "array").
	OpTypeOf PredicateOp = "typeof"

	// OpIsNull passes when the field is absent or nil.
	OpIsNull PredicateOp = "isNull"

	// OpNotNull passes when the field is present and non-nil.
	OpNotNull PredicateOp = "notNull"

	// OpTruthy passes when the field is present and truthy.
	OpTruthy PredicateOp = "truthy"

	// OpFalsy passes when the field is absent or falsy.
	OpFalsy PredicateOp = "falsy"
)

// Predicate is one declarative auth condition evaluated against a session
// field. Conditions are data, not code, so route discovery tooling can
// extract them from route files.
type Predicate struct {
	Key   string
	Op    PredicateOp
	Value any
}

// AuthRequirement declares a route's authorization requirements: whether a
// resolved identity is required, and an ordered predicate list evaluated
// against the session. The first failing predicate aborts the request.
type AuthRequirement struct {
	Login      bool
	Conditions []Predicate
}

// Evaluate checks the requirement against a session. A nil session stands
// for an anonymous caller. The returned error is nil on pass, or carries
// auth.required, auth.forbidden (tagged with the failing field key), or
// auth.invalidCondition.
func (a *AuthRequirement) Evaluate(session *Session) *protocol.Error {
	if a == nil {
		return nil
	}
	if a.Login && session == nil {
		return protocol.NewError(protocol.CodeAuthRequired)
	}
	for _, cond := range a.Conditions {
		if session == nil {
			return protocol.NewError(protocol.CodeAuthRequired)
		}
		pass, err := evalPredicate(cond, session)
		if err != nil {
			return err
		}
		if !pass {
			return protocol.NewErrorWithParams(protocol.CodeAuthForbidden,
				map[string]any{"key": cond.Key})
		}
	}
	return nil
}

func evalPredicate(cond Predicate, session *Session) (bool, *protocol.Error) {
	value, present := session.Field(cond.Key)

	switch cond.Op {
	case OpEquals:
		return present && reflect.DeepEqual(normalizeNumber(value), normalizeNumber(cond.Value)), nil
	case OpTypeOf:
		want, ok := cond.Value.(string)
		if !ok {
			return false, invalidCondition(cond)
		}
		return present && jsonTypeName(value) == want, nil
	case OpIsNull:
		return !present || value == nil, nil
	case OpNotNull:
		return present && value != nil, nil
	case OpTruthy:
		return present && isTruthy(value), nil
	case OpFalsy:
		return !present || !isTruthy(value), nil
	default:
		return false, invalidCondition(cond)
	}
}

func invalidCondition(cond Predicate) *protocol.Error {
	return protocol.NewErrorWithParams(protocol.CodeAuthInvalidCondition,
		map[string]any{"key": cond.Key, "op": string(cond.Op)})
}

// normalizeNumber widens numeric values to float64 so predicate literals
// compare equal to JSON-decoded session fields.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// jsonTypeName maps a decoded value to its JSON type name.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// isTruthy mirrors JavaScript truthiness for decoded JSON values.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
