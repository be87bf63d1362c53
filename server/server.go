// Package server contains the HTTP plumbing shared by the gateway and
// the script server.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// Route is an HTTP method and a chi path pattern
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string { return r.Method + " " + r.Path }

// RouteTable maps routes to their handlers
type RouteTable map[Route]http.HandlerFunc

// HTTPer is an object that knows its routes
type HTTPer interface {
	RT() RouteTable
}

// Endpoints lists the routes in a RouteTable, sorted by path then method
func (rt RouteTable) Endpoints() []string {
	routes := make([]Route, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.String()
	}
	return out
}

// Bind binds every route on r, plus GET /endpoints listing them
func (rt RouteTable) Bind(r chi.Router) {
	for route, h := range rt {
		r.MethodFunc(route.Method, route.Path, h)
	}
	list := rt.Endpoints()
	r.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		Reply(w, http.StatusOK, list)
	})
}

// Reply encodes v as the JSON body of a response with status
func Reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response to json %q", err)
	}
}

// Decode decodes the JSON body of r into v.  An empty body leaves v
// alone.
func Decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// BoolT is a JSON {"bool": value} payload
type BoolT struct {
	Bool bool `json:"bool"`
}
