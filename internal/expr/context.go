package expr

import "fmt"

// Context is the interpreter's operand stack: words pop their operands,
// build an Expr, and push the result.
type Context struct {
	stack []Expr
}

func NewContext() *Context { return &Context{} }

func (c *Context) ensureNotEmpty() error {
	if len(c.stack) == 0 {
		return fmt.Errorf("stack underflow: expecting an operand")
	}
	return nil
}

// PopExpression removes and returns the top of the stack.
func (c *Context) PopExpression() (Expr, error) {
	if err := c.ensureNotEmpty(); err != nil {
		return nil, err
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return top, nil
}

func (c *Context) top() (Expr, error) {
	if err := c.ensureNotEmpty(); err != nil {
		return nil, err
	}
	return c.stack[len(c.stack)-1], nil
}

// PopString pops a Literal and returns its string value.
func (c *Context) PopString() (string, error) {
	e, err := c.PopExpression()
	if err != nil {
		return "", err
	}
	lit, ok := e.(*Literal)
	if !ok {
		return "", fmt.Errorf("wrong type: expecting a literal string")
	}
	return lit.AsString(), nil
}

// Push puts expression on top of the stack.
func (c *Context) Push(e Expr) { c.stack = append(c.stack, e) }

// PushToList appends expression to the List currently on top of the
// stack, used while the tokenizer is inside a parenthesized literal.
func (c *Context) PushToList(e Expr) error {
	top, err := c.top()
	if err != nil {
		return err
	}
	list, ok := top.(*List)
	if !ok {
		return fmt.Errorf("wrong type: expecting a list")
	}
	list.Add(e)
	return nil
}

// StackSize reports the number of elements currently on the stack.
func (c *Context) StackSize() int { return len(c.stack) }

// snapshot returns a defensive copy of the current stack contents, used by
// the evaluator to cache a compiled expression's result across calls.
func (c *Context) snapshot() []Expr {
	out := make([]Expr, len(c.stack))
	copy(out, c.stack)
	return out
}
