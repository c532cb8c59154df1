package api

import (
	"mime"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/labstack/echo/v4"
)

// APIVersion is the version every resource route implements.
const APIVersion = "0.1.0"

const (
	headerAPIVersion    = "Api-Version"
	headerAcceptVersion = "Accept-Version"
)

// Versioned stamps the Api-Version header and rejects requests whose
// Accept-Version constraint excludes the served version.
func Versioned(version string) echo.MiddlewareFunc {
	served := semver.MustParse(version)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(headerAPIVersion, served.String())

			want := strings.TrimSpace(c.Request().Header.Get(headerAcceptVersion))
			if want == "" {
				return next(c)
			}
			constraint, err := semver.NewConstraint(want)
			if err != nil {
				return newProblem(http.StatusBadRequest, "InvalidVersion", "Accept-Version is not a valid version constraint: "+want)
			}
			if !constraint.Check(served) {
				return newProblem(http.StatusBadRequest, "InvalidVersion", "no route satisfies Accept-Version "+want)
			}
			return next(c)
		}
	}
}

// JSONOnly requires request bodies to be JSON and responses to be
// acceptable as JSON.
func JSONOnly() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsJSON(req.Header.Values(echo.HeaderAccept)) {
				return newProblem(http.StatusNotAcceptable, "NotAcceptable", "responses are only available as application/json")
			}
			if hasBody(req) {
				mediaType, _, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
				if err != nil || mediaType != echo.MIMEApplicationJSON {
					return newProblem(http.StatusUnsupportedMediaType, "UnsupportedMediaType", "request body must be application/json")
				}
			}
			return next(c)
		}
	}
}

func hasBody(req *http.Request) bool {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return req.ContentLength != 0
	}
	return false
}

func acceptsJSON(values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if q, ok := params["q"]; ok && strings.Trim(q, "0.") == "" {
				continue
			}
			switch mediaType {
			case "*/*", "application/*", echo.MIMEApplicationJSON, "application/problem+json":
				return true
			}
		}
	}
	return false
}
