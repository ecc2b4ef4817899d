// Package conflict classifies failed versioned-update attempts.
package conflict

import (
	stderrors "errors"
	"net/http"
	"reflect"
	"strings"
)

// Outcome is the classification of a single update or fetch attempt.
type Outcome int

// Outcome values. The zero value is Success so a nil error needs no special casing.
const (
	Success Outcome = iota
	VersionConflict
	NotFound
	ValidationError
	Unknown
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case VersionConflict:
		return "version_conflict"
	case NotFound:
		return "not_found"
	case ValidationError:
		return "validation_error"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether a refresh and retry can help.
func (o Outcome) Retryable() bool {
	return o == VersionConflict
}

// StatusCoder is implemented by errors that carry a transport status.
type StatusCoder interface {
	StatusCode() int
}

// ErrorCoder is implemented by errors that carry a machine-readable code.
type ErrorCoder interface {
	ErrorCode() string
}

// TypeNamer is implemented by errors that report a server-side exception type.
type TypeNamer interface {
	TypeName() string
}

// Classifier maps errors to Outcomes. It is immutable after construction and
// safe for concurrent use.
type Classifier struct {
	codes     map[string]Outcome
	phrases   []string
	typeNames map[string]struct{}
}

// New builds a classifier from rules. Phrases and type names are matched
// case-insensitively.
func New(rules Rules) *Classifier {
	c := &Classifier{
		codes:     make(map[string]Outcome, len(rules.Codes)),
		phrases:   make([]string, 0, len(rules.Phrases)),
		typeNames: make(map[string]struct{}, len(rules.TypeNames)),
	}
	for code, outcome := range rules.Codes {
		if code == "" {
			continue
		}
		c.codes[strings.ToUpper(code)] = outcome
	}
	for _, phrase := range rules.Phrases {
		if p := strings.ToLower(strings.TrimSpace(phrase)); p != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	for _, name := range rules.TypeNames {
		if n := normalizeTypeName(name); n != "" {
			c.typeNames[n] = struct{}{}
		}
	}
	return c
}

// Default returns a classifier with DefaultRules.
func Default() *Classifier {
	return New(DefaultRules())
}

// Classify inspects err and returns its Outcome. Rules, first match wins:
//
//  1. status 409 -> VersionConflict
//  2. status 404 -> NotFound
//  3. status 400/422 -> ValidationError
//  4. known error code -> the code's Outcome
//  5. conflict phrase in the message -> VersionConflict
//  6. optimistic-lock exception type name -> VersionConflict
//  7. anything else -> Unknown
//
// A 404 is decided before any message inspection: deletion messages share
// vocabulary with conflict messages, and a deletion read as a conflict would
// refresh forever against an entity that is gone.
func (c *Classifier) Classify(err error) Outcome {
	if err == nil {
		return Success
	}

	if status, ok := findStatus(err); ok {
		switch status {
		case http.StatusConflict:
			return VersionConflict
		case http.StatusNotFound:
			return NotFound
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return ValidationError
		}
	}

	if code := findCode(err); code != "" {
		if outcome, ok := c.codes[strings.ToUpper(code)]; ok {
			return outcome
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range c.phrases {
		if strings.Contains(msg, phrase) {
			return VersionConflict
		}
	}

	if c.matchesTypeName(err) {
		return VersionConflict
	}

	return Unknown
}

// findStatus returns the first transport status found in the error chain.
func findStatus(err error) (int, bool) {
	var sc StatusCoder
	if stderrors.As(err, &sc) {
		if status := sc.StatusCode(); status > 0 {
			return status, true
		}
	}
	return 0, false
}

func findCode(err error) string {
	var ec ErrorCoder
	if stderrors.As(err, &ec) {
		return ec.ErrorCode()
	}
	return ""
}

// matchesTypeName checks both server-reported exception types and the Go
// types along the error chain.
func (c *Classifier) matchesTypeName(err error) bool {
	if len(c.typeNames) == 0 {
		return false
	}

	var tn TypeNamer
	if stderrors.As(err, &tn) {
		if _, ok := c.typeNames[normalizeTypeName(tn.TypeName())]; ok {
			return true
		}
	}

	for _, e := range chain(err) {
		if _, ok := c.typeNames[normalizeTypeName(reflect.TypeOf(e).String())]; ok {
			return true
		}
	}
	return false
}

// chain flattens the error tree, following both Unwrap() error and Unwrap() []error.
func chain(err error) []error {
	var out []error
	stack := []error{err}
	for len(stack) > 0 && len(out) < 64 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e == nil {
			continue
		}
		out = append(out, e)
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			stack = append(stack, u.Unwrap())
		case interface{ Unwrap() []error }:
			stack = append(stack, u.Unwrap()...)
		}
	}
	return out
}

// normalizeTypeName reduces "*pkg.StaleObjectStateException" or
// "org.hibernate.StaleObjectStateException" to "staleobjectstateexception".
func normalizeTypeName(name string) string {
	name = strings.TrimSpace(strings.TrimLeft(name, "*"))
	if i := strings.LastIndexAny(name, "./$"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}
