// Package topology 从插件与服务记录推导统一的依赖图。每次查询都基于当前记录重新计算，不做缓存。
package topology

import (
	"context"
	"slices"
	"sort"
	"time"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/pkg/graph"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// NodeType 区分插件节点与服务节点。
type NodeType string

const (
	NodePlugin  NodeType = "plugin"
	NodeService NodeType = "service"
)

// EdgeDependsOn 是唯一的边类型。
const EdgeDependsOn = "depends_on"

// Node 是拓扑中的一个插件或服务。
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Edge 表示 From 依赖 To。
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Topology 是某一时刻的完整依赖图。
type Topology struct {
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	GeneratedAt time.Time `json:"generated_at"`
}

// DependencyGraph 是单个节点的直接依赖与直接被依赖视图。
type DependencyGraph struct {
	Node         Node     `json:"node"`
	Dependencies []Node   `json:"dependencies"`
	Dependents   []Node   `json:"dependents"`
	Missing      []string `json:"missing,omitempty"`
}

// Metrics 是拓扑汇总计数。
type Metrics struct {
	TotalServices     int `json:"total_services"`
	TotalPlugins      int `json:"total_plugins"`
	HealthyServices   int `json:"healthy_services"`
	UnhealthyServices int `json:"unhealthy_services"`
	TotalEdges        int `json:"total_edges"`
}

// PluginLister 提供插件记录。
type PluginLister interface {
	ListPlugins(ctx context.Context, opts ...storage.ListOption) ([]plugin.Record, error)
}

// ServiceLister 提供服务记录。
type ServiceLister interface {
	ListServices(ctx context.Context, filter storage.ServiceFilter) ([]service.Record, error)
}

// Engine 计算拓扑。
type Engine struct {
	plugins  PluginLister
	services ServiceLister
	now      func() time.Time
}

// NewEngine 创建拓扑引擎。
func NewEngine(plugins PluginLister, services ServiceLister) *Engine {
	return &Engine{plugins: plugins, services: services, now: time.Now}
}

// GetTopology 返回全部节点与 depends_on 边。
func (e *Engine) GetTopology(ctx context.Context) (Topology, error) {
	plugins, err := e.plugins.ListPlugins(ctx)
	if err != nil {
		return Topology{}, err
	}
	services, err := e.services.ListServices(ctx, storage.ServiceFilter{})
	if err != nil {
		return Topology{}, err
	}

	topo := Topology{
		Nodes:       make([]Node, 0, len(plugins)+len(services)),
		Edges:       []Edge{},
		GeneratedAt: e.now().UTC(),
	}
	for _, p := range plugins {
		status := "disabled"
		if p.Enabled {
			status = "enabled"
		}
		topo.Nodes = append(topo.Nodes, Node{
			ID:     p.ID,
			Type:   NodePlugin,
			Name:   p.Name,
			Status: status,
			Metadata: map[string]any{
				"version":  p.Version,
				"category": string(p.Category),
				"state":    string(p.Status),
			},
		})
		for _, dep := range p.Dependencies {
			topo.Edges = append(topo.Edges, Edge{From: p.ID, To: dep, Type: EdgeDependsOn})
		}
	}
	for _, s := range services {
		topo.Nodes = append(topo.Nodes, Node{
			ID:     s.ID,
			Type:   NodeService,
			Name:   s.Name,
			Status: string(s.Health.Status),
			Metadata: map[string]any{
				"version":  s.Version,
				"protocol": string(s.Protocol),
				"address":  s.BaseURL(),
			},
		})
		for _, dep := range s.Dependencies {
			topo.Edges = append(topo.Edges, Edge{From: s.ID, To: dep, Type: EdgeDependsOn})
		}
	}
	return topo, nil
}

// GetDependencyGraph 返回节点的直接依赖与直接被依赖节点。依赖中不存在于拓扑的 ID 列入 Missing。
func (e *Engine) GetDependencyGraph(ctx context.Context, id string) (DependencyGraph, error) {
	topo, err := e.GetTopology(ctx)
	if err != nil {
		return DependencyGraph{}, err
	}
	nodes := topo.index()
	node, ok := nodes[id]
	if !ok {
		return DependencyGraph{}, xerrors.Newf(xerrors.CodeNotFound, "node %s not found in topology", id)
	}

	out := DependencyGraph{Node: node, Dependencies: []Node{}, Dependents: []Node{}}
	for _, edge := range topo.Edges {
		switch id {
		case edge.From:
			if dep, ok := nodes[edge.To]; ok {
				out.Dependencies = append(out.Dependencies, dep)
			} else if !slices.Contains(out.Missing, edge.To) {
				out.Missing = append(out.Missing, edge.To)
			}
		case edge.To:
			if dependent, ok := nodes[edge.From]; ok && !containsNode(out.Dependents, dependent.ID) {
				out.Dependents = append(out.Dependents, dependent)
			}
		}
	}
	return out, nil
}

// DetectCircularDependencies 在插件与服务组成的完整拓扑上查找全部不同的环。
func (e *Engine) DetectCircularDependencies(ctx context.Context) ([]graph.Cycle, error) {
	topo, err := e.GetTopology(ctx)
	if err != nil {
		return nil, err
	}
	cycles := graph.FindCycles(topo.Adjacency())
	if cycles == nil {
		cycles = []graph.Cycle{}
	}
	return cycles, nil
}

// GetMetrics 返回汇总计数。
func (e *Engine) GetMetrics(ctx context.Context) (Metrics, error) {
	topo, err := e.GetTopology(ctx)
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics
	for _, n := range topo.Nodes {
		switch n.Type {
		case NodePlugin:
			m.TotalPlugins++
		case NodeService:
			m.TotalServices++
			switch service.HealthStatus(n.Status) {
			case service.HealthHealthy:
				m.HealthyServices++
			case service.HealthUnhealthy:
				m.UnhealthyServices++
			}
		}
	}
	m.TotalEdges = len(topo.Edges)
	return m, nil
}

// Adjacency 返回以节点 ID 为键的邻接表，仅包含拓扑中存在的节点。
func (t Topology) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(t.Nodes))
	for _, n := range t.Nodes {
		if _, ok := adj[n.ID]; !ok {
			adj[n.ID] = nil
		}
	}
	for _, edge := range t.Edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

func (t Topology) index() map[string]Node {
	idx := make(map[string]Node, len(t.Nodes))
	for _, n := range t.Nodes {
		if _, ok := idx[n.ID]; !ok {
			idx[n.ID] = n
		}
	}
	return idx
}

func containsNode(nodes []Node, id string) bool {
	return slices.ContainsFunc(nodes, func(n Node) bool { return n.ID == id })
}
