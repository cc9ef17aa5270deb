package planner

import "context"

// StaticCompleter is a ChatCompleter test double that returns a fixed
// sequence of responses, one per call, repeating the last response once
// exhausted. Tests use it to script an LLM that returns invalid output
// before eventually succeeding, exercising the retry path.
type StaticCompleter struct {
	Responses []string
	Err       []error
	calls     int
}

func (c *StaticCompleter) Complete(_ context.Context, _ []Message) (string, error) {
	i := c.calls
	c.calls++
	if i < len(c.Err) && c.Err[i] != nil {
		return "", c.Err[i]
	}
	if len(c.Responses) == 0 {
		return "", nil
	}
	if i >= len(c.Responses) {
		i = len(c.Responses) - 1
	}
	return c.Responses[i], nil
}

// Calls reports how many times Complete has been invoked.
func (c *StaticCompleter) Calls() int { return c.calls }
