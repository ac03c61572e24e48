// Package errors defines the typed errors produced by the load pipeline and
// the preview server. Every pipeline failure is a *KilnError carrying the
// category it belongs to, the identifier of the thing that failed (plugin id,
// view id, module specifier, ...) and the underlying cause.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypePlugin   ErrorType = "plugin"
	ErrorTypeView     ErrorType = "view"
	ErrorTypeModule   ErrorType = "module"
	ErrorTypeLocals   ErrorType = "locals"
	ErrorTypeContent  ErrorType = "content"
	ErrorTypeTemplate ErrorType = "template"
	ErrorTypeRender   ErrorType = "render"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeServer   ErrorType = "server"
)

// KilnError is a structured error type with context.
type KilnError struct {
	Type    ErrorType
	ID      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *KilnError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type) + " error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error.
func (e *KilnError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a KilnError of the same type.
func (e *KilnError) Is(target error) bool {
	var t *KilnError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

// NewPluginError decorates a plugin registration failure with the plugin id.
func NewPluginError(id string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypePlugin,
		ID:      id,
		Message: fmt.Sprintf("error loading plugin '%s'", id),
		Cause:   cause,
	}
}

// NewViewError decorates a view load failure with the view id.
func NewViewError(id string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeView,
		ID:      id,
		Message: fmt.Sprintf("error loading view '%s'", id),
		Cause:   cause,
	}
}

// NewModuleError reports a specifier that could not be resolved or evaluated.
func NewModuleError(specifier string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeModule,
		ID:      specifier,
		Message: fmt.Sprintf("cannot load module '%s'", specifier),
		Cause:   cause,
	}
}

// NewLocalsError reports a failure reading the locals file.
func NewLocalsError(path string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeLocals,
		ID:      path,
		Message: fmt.Sprintf("cannot read locals from '%s'", path),
		Cause:   cause,
	}
}

// NewContentError reports a failure building or merging a content tree.
func NewContentError(id string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeContent,
		ID:      id,
		Message: fmt.Sprintf("content error in '%s'", id),
		Cause:   cause,
	}
}

// NewTemplateError reports a template that failed to load.
func NewTemplateError(id string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeTemplate,
		ID:      id,
		Message: fmt.Sprintf("error loading template '%s'", id),
		Cause:   cause,
	}
}

// NewRenderError reports a view that failed or returned an unusable result.
func NewRenderError(id, message string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeRender,
		ID:      id,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError reports an invalid or unreadable configuration.
func NewConfigError(path string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeConfig,
		ID:      path,
		Message: "invalid configuration",
		Cause:   cause,
	}
}

// NewServerError reports a preview server failure in component id.
func NewServerError(id string, cause error) *KilnError {
	return &KilnError{
		Type:    ErrorTypeServer,
		ID:      id,
		Message: fmt.Sprintf("preview server error in %s", id),
		Cause:   cause,
	}
}

// IsType checks whether any error in err's chain is a KilnError of type t.
func IsType(err error, t ErrorType) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Type == t
	}
	return false
}

// IDOf returns the identifier carried by the first KilnError in err's chain.
func IDOf(err error) string {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.ID
	}
	return ""
}
