// Package command parses "/verb key:value ..." messages and dispatches
// them to registered handlers.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNotCommand     = errors.New("not a command")
	ErrUnknownCommand = errors.New("unknown command")
)

// MissingParameterError lists required parameters absent from a command.
type MissingParameterError struct {
	Command string
	Names   []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("/%s: missing parameter(s): %s", e.Command, strings.Join(e.Names, ", "))
}

// InvalidParameterError reports a parameter whose value is not accepted.
type InvalidParameterError struct {
	Command string
	Name    string
	Value   string
	Reason  string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("/%s: invalid %s %q: %s", e.Command, e.Name, e.Value, e.Reason)
}

// Command is a parsed message. Name has the leading slash and any @bot
// suffix removed.
type Command struct {
	Name   string
	Params map[string]string
}

// Parse splits "/verb key:value key:value". Each pair is split on its
// first colon; tokens without a colon are ignored.
func Parse(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, ErrNotCommand
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Command{}, ErrNotCommand
	}
	cmd := Command{Name: name, Params: make(map[string]string)}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, ":")
		if !ok || key == "" {
			continue
		}
		cmd.Params[key] = value
	}
	return cmd, nil
}

// Require returns a *MissingParameterError naming every absent or empty
// parameter.
func (c Command) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if c.Params[n] == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &MissingParameterError{Command: c.Name, Names: missing}
	}
	return nil
}

// Bool reads a boolean parameter, returning def when it is absent.
func (c Command) Bool(name string, def bool) (bool, error) {
	v, ok := c.Params[name]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, &InvalidParameterError{Command: c.Name, Name: name, Value: v, Reason: "use true or false"}
	}
	return b, nil
}

// Handler runs one command for a conversation.
type Handler func(ctx context.Context, conversationID string, cmd Command) error

type route struct {
	name        string
	description string
	handler     Handler
	hidden      bool
}

// Router maps verbs to handlers. Verbs match case-insensitively.
type Router struct {
	routes map[string]route
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]route)}
}

func (r *Router) Register(verb, description string, h Handler) {
	r.routes[strings.ToLower(verb)] = route{name: verb, description: description, handler: h}
}

// Alias registers verb as another name for target without listing it in
// the help text.
func (r *Router) Alias(verb, target string) {
	rt, ok := r.routes[strings.ToLower(target)]
	if !ok {
		return
	}
	rt.hidden = true
	r.routes[strings.ToLower(verb)] = rt
}

// Dispatch parses text and runs the matching handler. Unknown verbs yield
// an error wrapping ErrUnknownCommand.
func (r *Router) Dispatch(ctx context.Context, conversationID, text string) error {
	cmd, err := Parse(text)
	if err != nil {
		return err
	}
	rt, ok := r.routes[strings.ToLower(cmd.Name)]
	if !ok {
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, cmd.Name)
	}
	return rt.handler(ctx, conversationID, cmd)
}

// Verbs returns the listed verbs, sorted.
func (r *Router) Verbs() []string {
	var out []string
	for _, rt := range r.routes {
		if !rt.hidden {
			out = append(out, rt.name)
		}
	}
	sort.Strings(out)
	return out
}

// Help renders one line per listed verb.
func (r *Router) Help() string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, v := range r.Verbs() {
		fmt.Fprintf(&sb, "/%s - %s\n", v, r.routes[strings.ToLower(v)].description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
