package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"time"

	"OpenMCP-Mesh/internal/api"
	"OpenMCP-Mesh/internal/breaker"
	"OpenMCP-Mesh/internal/discovery"
	"OpenMCP-Mesh/internal/mesh"
	"OpenMCP-Mesh/internal/registry"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/internal/topology"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
	"OpenMCP-Mesh/sdk/go/meshclient"
)

type demoPlugin struct {
	plugin.Base
}

func main() {
	logger.Use(logger.Discard())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"echo":%s}`, r.URL.Path, orNull(body))
	}))
	defer upstream.Close()

	store := storage.NewMemoryStore()
	services := discovery.NewRegistry(store, breaker.NewTracker())
	deps := api.Dependencies{
		Plugins:  registry.NewRegistry(store, plugin.NewLoader()),
		Services: services,
		Mesh:     mesh.New(services),
		Topology: topology.NewEngine(store, store),
		Instances: api.InstanceProviderFunc(func(context.Context, plugin.Record, string) (plugin.Plugin, error) {
			return &demoPlugin{}, nil
		}),
	}
	srv := httptest.NewServer(api.NewServer(":0", deps).Handler())
	defer srv.Close()

	client, err := meshclient.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := client.RegisterPlugin(ctx, meshclient.RegisterPlugin{
		Record: plugin.Record{ID: "vector-index", Name: "Vector index", Version: "1.0.0", Category: plugin.CategoryStorage},
		Source: "vector-index.so",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered plugin %s (status=%s)\n", rec.ID, rec.Status)

	state, err := client.EnablePlugin(ctx, rec.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("plugin %s is %s\n", state.ID, state.Status)

	host, port := splitHostPort(upstream.URL)
	svc, err := client.RegisterService(ctx, service.Record{
		ID: "search-1", Name: "search", Host: host, Port: port, Dependencies: []string{rec.ID},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered service %s at %s\n", svc.ID, svc.BaseURL())

	res, err := client.Route(ctx, "search", meshclient.Invocation{
		Method:   http.MethodPost,
		Endpoint: "/query",
		Body:     map[string]any{"q": "mesh"},
		Strategy: service.StrategyRoundRobin,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("routed to %s success=%v data=%s\n", res.ServiceID, res.Success, res.Data)

	dot, err := client.TopologyDOT(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println(dot)
}

func orNull(body []byte) string {
	if len(body) == 0 {
		return "null"
	}
	return string(body)
}

func splitHostPort(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}
