package expr

import (
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// Interpreter runs a tokenized program against a Context using a fixed
// Vocabulary.
type Interpreter struct {
	vocabulary Vocabulary
}

func NewInterpreter(vocabulary Vocabulary) *Interpreter {
	return &Interpreter{vocabulary: vocabulary}
}

// Execute tokenizes program (comma-separated, trimmed) and runs it against
// context, tracking parenthesized-list depth: at depth 0 a ":word" token
// dispatches into the vocabulary and a bare "(" opens a new List pushed
// onto the stack; inside a list every token (including nested words and
// parens) is instead appended to the list under construction.
func (in *Interpreter) Execute(context *Context, program string) error {
	tokens := trimmedTokens(program)
	listDepth := 0
	for _, tok := range tokens {
		switch {
		case tok == "(":
			listDepth++
			if listDepth == 1 {
				context.Push(NewList())
			} else {
				if err := context.PushToList(NewLiteral(tok)); err != nil {
					return err
				}
			}
		case tok == ")":
			listDepth--
			if listDepth > 0 {
				if err := context.PushToList(NewLiteral(tok)); err != nil {
					return err
				}
			} else if listDepth < 0 {
				return errUnbalancedParen
			}
		case isWordToken(tok):
			if listDepth == 0 {
				if err := in.vocabulary.Execute(context, tok[1:]); err != nil {
					return err
				}
			} else {
				if err := context.PushToList(NewLiteral(tok)); err != nil {
					return err
				}
			}
		default:
			lit := NewLiteral(tok)
			if listDepth == 0 {
				context.Push(lit)
			} else {
				if err := context.PushToList(lit); err != nil {
					return err
				}
			}
		}
	}
	if listDepth != 0 {
		return errUnbalancedParen
	}
	return nil
}

func isWordToken(tok string) bool { return len(tok) > 0 && tok[0] == ':' }

var errUnbalancedParen = unbalancedParenError{}

type unbalancedParenError struct{}

func (unbalancedParenError) Error() string { return "unbalanced parenthesis" }

// GetQuery runs program and reduces whatever single expression remains on
// the stack down to its associated query, logging and falling back to
// :false on any malformed program (parse error, wrong stack shape, or a
// final expression with no query).
func (in *Interpreter) GetQuery(program string) *query.Query {
	context := NewContext()
	if err := in.Execute(context, program); err != nil {
		log.Errorf("failed to get query from %q: %v", program, err)
		return query.False()
	}
	if context.StackSize() != 1 {
		log.Errorf("failed to get query from %q: %d expressions left on the stack", program, context.StackSize())
		return query.False()
	}
	top, err := context.PopExpression()
	if err != nil {
		log.Errorf("failed to get query from %q: %v", program, err)
		return query.False()
	}
	switch v := top.(type) {
	case *QueryExpr:
		return v.Q
	case ValueExpression:
		return v.GetQuery()
	case MultipleResults:
		return v.GetQuery()
	default:
		log.Errorf("invalid expression on stack for %q: expecting a query, value-expression, or group-by", program)
		return query.False()
	}
}
