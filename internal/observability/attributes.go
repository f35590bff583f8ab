// Package observability provides metrics for the solver pipeline and the
// gateway.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrSolver  = "solver"
	attrSuccess = "success"
	attrRequest = "request"
	attrOutcome = "outcome"
	attrState   = "state"
	attrAction  = "action"
	attrOp      = "op"
)

const problemsPrefix = "/v1/problems/"

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx; 0 means no response
	if code <= 0 {
		return attribute.String(attrStatus, "none")
	}
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func solverAttr(solver string) attribute.KeyValue {
	return attribute.String(attrSolver, solver)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func requestAttr(request string) attribute.KeyValue {
	return attribute.String(attrRequest, request)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces problem ids with a placeholder so each route is
// one series: /v1/problems/abc/answer -> /v1/problems/{id}/answer.
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, problemsPrefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return problemsPrefix + "{id}" + rest[i:]
	}
	return problemsPrefix + "{id}"
}
