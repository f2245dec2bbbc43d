// Package clustermetrics exposes a small, optional HTTP surface over a
// Cluster's slot map and node table for operational debugging. It is a
// separate process-level concern from the router -- nothing in
// pkg/router imports it, and not running it costs the hot command path
// nothing.
package clustermetrics

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clusterkv/clustercore/pkg/topology"
)

// SlotSource is the minimal view of a router.Cluster this package needs;
// expressed as an interface so clustermetrics does not import pkg/router
// and force every caller of the router package to pull in gin.
type SlotSource interface {
	Store() *topology.Store
}

// Server serves /debug/slots and /debug/nodes for a single Cluster.
type Server struct {
	engine *gin.Engine
	src    SlotSource
}

// NewServer builds a Server over src. gin runs in release mode since this
// is a debug surface embedded in a client library, not a standalone
// service with its own request logging needs.
func NewServer(src SlotSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	s := &Server{engine: e, src: src}
	e.GET("/debug/slots", s.handleSlots)
	e.GET("/debug/nodes", s.handleNodes)
	return s
}

// Run starts the HTTP server on addr, blocking like gin.Engine.Run.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the underlying http.Handler for callers that want to
// mount this alongside their own server instead of calling Run.
func (s *Server) Handler() http.Handler { return s.engine }

type slotRangeView struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Primary string `json:"primary"`
}

func (s *Server) handleSlots(c *gin.Context) {
	reg := s.src.Store().Registry()
	var ranges []slotRangeView
	for _, n := range reg.Primaries() {
		for _, sr := range n.SlotRanges {
			ranges = append(ranges, slotRangeView{Start: sr.Start, End: sr.End, Primary: n.Addr})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"version": s.src.Store().Version(),
		"ranges":  ranges,
	})
}

type nodeView struct {
	Addr         string `json:"addr"`
	Role         string `json:"role"`
	FailureCount int    `json:"failure_count"`
}

func (s *Server) handleNodes(c *gin.Context) {
	reg := s.src.Store().Registry()
	var nodes []nodeView
	for _, n := range reg.Nodes {
		role := "primary"
		if n.Role == topology.RoleReplica {
			role = "replica"
		}
		nodes = append(nodes, nodeView{Addr: n.Addr, Role: role, FailureCount: n.FailureCount})
	}
	c.JSON(http.StatusOK, gin.H{
		"version": s.src.Store().Version(),
		"nodes":   nodes,
	})
}
