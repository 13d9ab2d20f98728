package connect

import (
	"errors"
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// a strategy defined by an expression, compiled once.
//
// the expression sees `local`, `remote`, `key`, `type` and `id`, and returns either
// a bool (true accepts remote), one of the action names
// "accept_remote", "accept_local", "merge", "user_intervention",
// or an object that becomes the resolved state.
//
// e.g. `remote.priority >= local.priority && remote.timestamp > local.timestamp`
type ExprStrategy struct {
	expression string
	program    *exprvm.Program
}

func NewExprStrategy(expression string) (*ExprStrategy, error) {
	if expression == "" {
		return nil, errors.New("Expression must not be empty.")
	}
	program, err := exprlang.Compile(
		expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("Bad strategy expression %q: %w", expression, err)
	}
	return &ExprStrategy{
		expression: expression,
		program:    program,
	}, nil
}

func (self *ExprStrategy) Expression() string {
	return self.expression
}

func (self *ExprStrategy) Resolve(conflict *Conflict) (*Resolution, error) {
	env := map[string]any{
		"local":  map[string]any(conflict.LocalState),
		"remote": map[string]any(conflict.RemoteUpdate),
		"key":    conflict.Key,
		"type":   conflict.Type,
		"id":     conflict.Id,
	}
	result, err := exprlang.Run(self.program, env)
	if err != nil {
		return nil, fmt.Errorf("Strategy expression %q: %w", self.expression, err)
	}

	reason := fmt.Sprintf("expression %q = %v", self.expression, result)
	switch v := result.(type) {
	case bool:
		if v {
			return AcceptRemote(conflict, reason), nil
		}
		return AcceptLocal(conflict, reason), nil
	case string:
		switch ResolutionAction(v) {
		case ResolutionActionAcceptRemote:
			return AcceptRemote(conflict, reason), nil
		case ResolutionActionAcceptLocal:
			return AcceptLocal(conflict, reason), nil
		case ResolutionActionMerge:
			return MergeStrategy(conflict)
		case ResolutionActionUserIntervention:
			return requireUser(reason), nil
		}
	case map[string]any:
		return UserChoice(EntityState(v), fmt.Sprintf("expression %q", self.expression)), nil
	}
	return nil, fmt.Errorf("Strategy expression %q returned %T %v, expected a bool, an action or an object", self.expression, result, result)
}
