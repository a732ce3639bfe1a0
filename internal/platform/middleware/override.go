package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/responsegrid/coord/internal/platform/auth"
)

// OverrideHeader carries the free-text justification for an emergency
// override of a consent decision.
const OverrideHeader = "X-Override-Justification"

type overrideContextKey string

const overrideJustificationKey overrideContextKey = "override_justification"

const defaultOverrideMaxPerHour = 10

// Override picks up the X-Override-Justification header, rate limits its use
// per actor and stores the justification in the request context. It does not
// grant anything: the consent gate decides whether the caller may override.
func Override(ctx context.Context, logger zerolog.Logger, maxPerHour int) echo.MiddlewareFunc {
	if maxPerHour <= 0 {
		maxPerHour = defaultOverrideMaxPerHour
	}
	store := newLimiterStore(rate.Every(time.Hour/time.Duration(maxPerHour)), maxPerHour, 2*time.Hour)

	go store.sweepEvery(ctx, 5*time.Minute)

	return overrideMiddleware(logger, store, maxPerHour, time.Now)
}

func overrideMiddleware(logger zerolog.Logger, store *limiterStore, maxPerHour int, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			justification := strings.TrimSpace(req.Header.Get(OverrideHeader))
			if justification == "" {
				return next(c)
			}

			ctx := req.Context()
			userID := auth.UserIDFromContext(ctx)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "override requires authentication")
			}

			now := nowFn()
			if !store.get(userID, now).AllowN(now, 1) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					fmt.Sprintf("override rate limit exceeded: maximum %d per actor per hour", maxPerHour))
			}

			c.SetRequest(req.WithContext(context.WithValue(ctx, overrideJustificationKey, justification)))

			logger.Warn().
				Str("type", "elder_override").
				Str("user_id", userID).
				Strs("roles", auth.RolesFromContext(ctx)).
				Str("justification", justification).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Time("timestamp", now).
				Msg("override_requested")

			return next(c)
		}
	}
}

// OverrideJustification returns the justification supplied with the request,
// or "" when no override was requested.
func OverrideJustification(ctx context.Context) string {
	v, _ := ctx.Value(overrideJustificationKey).(string)
	return v
}
