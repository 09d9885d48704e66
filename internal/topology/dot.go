package topology

import (
	"context"

	"github.com/emicklei/dot"
)

// DOT 以 Graphviz 格式渲染当前拓扑。插件为方框，服务为椭圆，
// 依赖了不存在节点的边以虚线指向灰色占位节点。
func (e *Engine) DOT(ctx context.Context) (string, error) {
	topo, err := e.GetTopology(ctx)
	if err != nil {
		return "", err
	}

	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	nodes := make(map[string]dot.Node, len(topo.Nodes))
	for _, n := range topo.Nodes {
		if _, ok := nodes[n.ID]; ok {
			continue
		}
		node := g.Node(n.ID).Label(n.ID + " (" + n.Status + ")")
		if n.Type == NodePlugin {
			node = node.Box()
		}
		if n.Status == "disabled" || n.Status == "UNHEALTHY" {
			node = node.Attr("color", "red")
		}
		nodes[n.ID] = node
	}
	missing := make(map[string]bool)
	for _, edge := range topo.Edges {
		to, ok := nodes[edge.To]
		if !ok {
			to = g.Node(edge.To).Attr("style", "dashed").Attr("color", "gray")
			nodes[edge.To] = to
			missing[edge.To] = true
		}
		de := g.Edge(nodes[edge.From], to, edge.Type)
		if missing[edge.To] {
			de.Dashed()
		}
	}
	return g.String(), nil
}
