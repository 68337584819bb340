// Package errors reports fatal startup failures from the command line tools
// and turns them into an exit code.
package errors

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/migadu/ruled/logger"
)

// GracefulError names the startup operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler collects the first fatal error. Messages go to stderr because
// the structured logger may not be initialized yet.
type ErrorHandler struct {
	exitChannel chan int
	stderr      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		stderr:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.stderr.Printf("FATAL: %v", NewGracefulError(operation, err))
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.stderr.Printf("configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.stderr.Printf("failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.signal(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.stderr.Printf("invalid configuration - %s: %v", field, err)
	eh.signal(2)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// Shutdown logs whether the stop was requested or caused by a component.
func (eh *ErrorHandler) Shutdown(ctx context.Context, cause error) {
	if ctx.Err() != nil && cause == nil {
		logger.Info("Graceful shutdown initiated")
		return
	}
	logger.Warn("Unexpected shutdown", "error", cause)
}
