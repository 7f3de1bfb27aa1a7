package driver

import (
	"context"
	"encoding/json"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/sbilly/chaser/internal/errs"
)

// ValueKind tags an evaluation result.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueNull   ValueKind = "null"
	ValueJSON   ValueKind = "json"
)

// Value is the tagged result of a script evaluation.
type Value struct {
	Kind ValueKind

	Str  string
	Num  float64
	Bool bool

	// JSON holds the raw value for objects and arrays.
	JSON json.RawMessage
}

// Evaluate runs an expression in the page's main world and maps the
// returned remote object onto a tagged value. Exceptions surface as
// CDP_PROTOCOL errors carrying the exception text.
func (d *Driver) Evaluate(ctx context.Context, pageID, expression string, awaitPromise bool) (Value, error) {
	if expression == "" {
		return Value{}, errs.New(errs.CodeInvalidArgument, "expression must not be empty")
	}
	p, err := d.page(pageID)
	if err != nil {
		return Value{}, err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	obj, exp, err := runtime.Evaluate(expression).
		WithAwaitPromise(awaitPromise).
		WithReturnByValue(true).
		Do(cdpruntime.WithExecutor(ctx, p.Executor()))
	if err != nil {
		return Value{}, err
	}
	if exp != nil {
		return Value{}, errs.New(errs.CodeCDPProtocol, "evaluation threw: %s", exceptionText(exp))
	}
	return valueFromRemoteObject(obj)
}

func exceptionText(exp *runtime.ExceptionDetails) string {
	if exp.Exception != nil && exp.Exception.Description != "" {
		return exp.Exception.Description
	}
	return exp.Text
}

func valueFromRemoteObject(obj *runtime.RemoteObject) (Value, error) {
	if obj == nil {
		return Value{Kind: ValueNull}, nil
	}
	switch obj.Type {
	case "undefined":
		return Value{Kind: ValueNull}, nil

	case "string":
		var s string
		if err := json.Unmarshal(obj.Value, &s); err != nil {
			return Value{}, errs.Wrap(errs.CodeInternal, err, "decoding string result")
		}
		return Value{Kind: ValueString, Str: s}, nil

	case "number":
		var n float64
		if err := json.Unmarshal(obj.Value, &n); err != nil {
			return Value{}, errs.Wrap(errs.CodeInternal, err, "decoding number result")
		}
		return Value{Kind: ValueNumber, Num: n}, nil

	case "boolean":
		var b bool
		if err := json.Unmarshal(obj.Value, &b); err != nil {
			return Value{}, errs.Wrap(errs.CodeInternal, err, "decoding boolean result")
		}
		return Value{Kind: ValueBool, Bool: b}, nil

	default:
		if len(obj.Value) == 0 || string(obj.Value) == "null" {
			return Value{Kind: ValueNull}, nil
		}
		return Value{Kind: ValueJSON, JSON: append(json.RawMessage(nil), obj.Value...)}, nil
	}
}
