package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// ValidationError is a configuration problem with its source location when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	msg := v.Message
	if v.Path != "" && !strings.HasPrefix(msg, v.Path) {
		msg = v.Path + ": " + msg
	}
	if v.File != "" && v.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, msg)
	}
	return msg
}

// ValidationErrors is returned when a configuration file does not satisfy the schema.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return "invalid configuration: " + e[0].String()
	}
	msg := fmt.Sprintf("invalid configuration (%d errors):", len(e))
	for _, v := range e {
		msg += "\n  " + v.String()
	}
	return msg
}

// CUEParser evaluates CUE configuration against the built-in schema and exports it as JSON.
type CUEParser struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser creates a parser with the schema compiled.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &CUEParser{ctx: ctx, schema: schema}, nil
}

// Evaluate compiles src, unifies it with the schema and returns the concrete value as JSON.
func (cp *CUEParser) Evaluate(filename string, src []byte) ([]byte, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return out, nil
}

// convertCUEErrors flattens CUE errors into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		v := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			v.Path = strings.Join(path, ".")
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
