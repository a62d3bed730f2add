package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// httpMethods are the operation keys an OpenAPI path item may carry.
var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// documentedRoutes returns "METHOD /path" for every operation in openapi.yaml.
func documentedRoutes(t *testing.T) []string {
	t.Helper()
	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiDoc, &doc), "parsing openapi.yaml")

	var routes []string
	for path, item := range doc.Paths {
		for key := range item {
			if slices.Contains(httpMethods, key) {
				routes = append(routes, strings.ToUpper(key)+" "+path)
			}
		}
	}
	slices.Sort(routes)
	return routes
}

// registeredRoutes walks the router. Building it never calls a handler, so a
// zero API is enough.
func registeredRoutes(t *testing.T) []string {
	t.Helper()
	var routes []string
	err := chi.Walk((&API{}).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route != "/" {
			route = strings.TrimRight(route, "/")
		}
		if isDocsRoute(route) {
			return nil
		}
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	slices.Sort(routes)
	return slices.Compact(routes)
}

func isDocsRoute(route string) bool {
	return route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc")
}

func missingFrom(want, have []string) []string {
	var out []string
	for _, r := range want {
		if !slices.Contains(have, r) {
			out = append(out, r)
		}
	}
	return out
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	documented := documentedRoutes(t)
	registered := registeredRoutes(t)
	require.NotEmpty(t, registered)

	assert.Empty(t, missingFrom(registered, documented), "routes served but not in openapi.yaml")
	assert.Empty(t, missingFrom(documented, registered), "routes in openapi.yaml the router does not serve")
}

func TestOpenAPIListsAuthRoutes(t *testing.T) {
	documented := documentedRoutes(t)
	for _, r := range []string{
		"POST /auth/register",
		"POST /auth/login",
		"POST /auth/logout",
		"GET /auth/check",
		"GET /health",
	} {
		assert.Contains(t, documented, r)
	}
}
