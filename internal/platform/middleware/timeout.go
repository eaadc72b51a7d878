package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handlerPanic carries a panic out of the handler goroutine so Recovery,
// which runs on the request goroutine, still sees it.
type handlerPanic struct{ value any }

// RequestTimeout bounds the request context. Repository calls share that
// context, so an overrunning query is cancelled and the caller gets a 504
// envelope instead of the handler's context error.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- handlerPanic{r}
					}
				}()
				done <- next(c)
			}()

			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
			}

			if p, ok := err.(handlerPanic); ok {
				panic(p.value)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return errorJSON(c, http.StatusGatewayTimeout, "timeout",
					fmt.Sprintf("request exceeded %s", timeout))
			}
			return err
		}
	}
}

func (p handlerPanic) Error() string { return fmt.Sprint(p.value) }
