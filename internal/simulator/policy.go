package simulator

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/chainrun/pkg/schema"
)

// Action constants returned by a simulated user policy.
const (
	ActionEnd     = "end"
	ActionRespond = "respond"
)

// UserAction is a simulated user's decision for the next turn.
type UserAction struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// UserPolicy decides, given the conversation so far, whether the simulated
// user ends the conversation or responds with another message.
type UserPolicy interface {
	NextAction(ctx context.Context, turn int, history []schema.Message) (UserAction, error)
}

// ExprPolicy evaluates an expr program against the conversation. The program
// sees turn, history and lastMessage, and may return:
//
//	a string   -> respond with it; "" ends the conversation
//	a bool     -> true continues with a generic follow-up, false ends
//	a map      -> {"action": "respond"|"end", "message": ...}
type ExprPolicy struct {
	program *vm.Program
}

// CompilePolicy compiles the policy source. An empty source yields a policy
// that always ends, which disables simulated turns without special-casing.
func CompilePolicy(source string) (*ExprPolicy, error) {
	if source == "" {
		return &ExprPolicy{}, nil
	}
	program, err := expr.Compile(source, expr.Env(policyEnv{}))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid simulated user policy").WithCause(err)
	}
	return &ExprPolicy{program: program}, nil
}

type policyEnv struct {
	Turn        int              `expr:"turn"`
	History     []schema.Message `expr:"history"`
	LastMessage string           `expr:"lastMessage"`
}

// NextAction runs the policy program.
func (p *ExprPolicy) NextAction(_ context.Context, turn int, history []schema.Message) (UserAction, error) {
	if p.program == nil {
		return UserAction{Action: ActionEnd}, nil
	}

	last := ""
	if len(history) > 0 {
		last = history[len(history)-1].Content
	}
	out, err := expr.Run(p.program, policyEnv{Turn: turn, History: history, LastMessage: last})
	if err != nil {
		return UserAction{}, schema.NewError(schema.ErrCodeExecution, "simulated user policy failed").WithCause(err)
	}

	switch v := out.(type) {
	case string:
		if v == "" {
			return UserAction{Action: ActionEnd}, nil
		}
		return UserAction{Action: ActionRespond, Message: v}, nil
	case bool:
		if !v {
			return UserAction{Action: ActionEnd}, nil
		}
		return UserAction{Action: ActionRespond, Message: "Please continue."}, nil
	case map[string]any:
		action, _ := v["action"].(string)
		message, _ := v["message"].(string)
		if action == ActionRespond && message != "" {
			return UserAction{Action: ActionRespond, Message: message}, nil
		}
		return UserAction{Action: ActionEnd}, nil
	default:
		return UserAction{Action: ActionEnd}, nil
	}
}
