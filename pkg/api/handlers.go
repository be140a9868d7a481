package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mizar-sdn/netpol/pkg/epset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type EndpointResponse struct {
	Name     string            `json:"name"`
	Vni      uint32            `json:"vni"`
	IP       string            `json:"ip"`
	Ingress  []string          `json:"ingress"`
	Egress   []string          `json:"egress"`
	Compiled map[string]uint64 `json:"compiledSeq,omitempty"`
}

type CidrRowResponse struct {
	poltypes.CidrRow
	Policies []poltypes.IndexedPolicy `json:"policies"`
}

type PortRowResponse struct {
	poltypes.PortRow
	Policies []poltypes.IndexedPolicy `json:"policies"`
}

type TablesResponse struct {
	Direction  poltypes.Direction                       `json:"direction"`
	Seq        uint64                                   `json:"seq"`
	CidrTables map[poltypes.CidrClass][]CidrRowResponse `json:"cidrTables"`
	PortTable  []PortRowResponse                        `json:"portTable"`
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.getHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/endpoints", s.listEndpoints)
		v1.GET("/endpoints/:namespace/:name", s.getEndpoint)
		v1.GET("/endpoints/:namespace/:name/tables", s.getTables)
		v1.GET("/triggers", s.getTriggers)
	}
}

func abortWithError(c *gin.Context, code int, err, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: err, Message: message, Code: code})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) endpointResponse(ep epset.Endpoint) EndpointResponse {
	resp := EndpointResponse{
		Name:    ep.Name,
		Vni:     ep.Vni,
		IP:      ep.IP,
		Ingress: append([]string{}, ep.Policies[poltypes.Ingress]...),
		Egress:  append([]string{}, ep.Policies[poltypes.Egress]...),
	}
	for _, dir := range poltypes.Directions {
		if snap, ok := s.endpoints.Compiled(ep.Name, dir); ok && snap.Current != nil {
			if resp.Compiled == nil {
				resp.Compiled = map[string]uint64{}
			}
			resp.Compiled[string(dir)] = snap.Seq
		}
	}
	return resp
}

// listEndpoints handles GET /api/v1/endpoints
func (s *Server) listEndpoints(c *gin.Context) {
	eps := s.endpoints.List()
	out := make([]EndpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, s.endpointResponse(ep))
	}
	c.JSON(http.StatusOK, out)
}

// getEndpoint handles GET /api/v1/endpoints/:namespace/:name
func (s *Server) getEndpoint(c *gin.Context) {
	name := c.Param("namespace") + "/" + c.Param("name")
	ep, ok := s.endpoints.Get(name)
	if !ok {
		abortWithError(c, http.StatusNotFound, "not_found", "endpoint "+name+" is not hosted on this node")
		return
	}
	c.JSON(http.StatusOK, s.endpointResponse(ep))
}

// getTables handles GET /api/v1/endpoints/:namespace/:name/tables?direction=
//
// Without a direction both are returned, directions never compiled are
// left out. Every row carries the indexed
// policies its bit value decodes to.
func (s *Server) getTables(c *gin.Context) {
	name := c.Param("namespace") + "/" + c.Param("name")
	dirs := poltypes.Directions
	if d := c.Query("direction"); d != "" {
		switch dir := poltypes.Direction(d); dir {
		case poltypes.Ingress, poltypes.Egress:
			dirs = []poltypes.Direction{dir}
		default:
			abortWithError(c, http.StatusBadRequest, "bad_request", "direction must be ingress or egress, got "+d)
			return
		}
	}
	if _, ok := s.endpoints.Get(name); !ok {
		abortWithError(c, http.StatusNotFound, "not_found", "endpoint "+name+" is not hosted on this node")
		return
	}

	out := make([]TablesResponse, 0, len(dirs))
	for _, dir := range dirs {
		snap, ok := s.endpoints.Compiled(name, dir)
		if !ok || snap.Current == nil {
			continue
		}
		out = append(out, tablesResponse(dir, snap))
	}
	if len(out) == 0 {
		abortWithError(c, http.StatusNotFound, "not_compiled", "endpoint "+name+" has no compiled tables")
		return
	}
	c.JSON(http.StatusOK, out)
}

func tablesResponse(dir poltypes.Direction, snap epset.Snapshot) TablesResponse {
	data := snap.Current
	resp := TablesResponse{
		Direction:  dir,
		Seq:        snap.Seq,
		CidrTables: map[poltypes.CidrClass][]CidrRowResponse{},
		PortTable:  make([]PortRowResponse, 0, len(data.Tables.PortTable)),
	}
	for _, class := range poltypes.CidrClasses {
		rows := make([]CidrRowResponse, 0, len(data.Tables.CidrTables[class]))
		for _, row := range data.Tables.CidrTables[class] {
			rows = append(rows, CidrRowResponse{CidrRow: row, Policies: data.Decode(row.BitValue)})
		}
		resp.CidrTables[class] = rows
	}
	for _, row := range data.Tables.PortTable {
		resp.PortTable = append(resp.PortTable, PortRowResponse{PortRow: row, Policies: data.Decode(row.BitValue)})
	}
	return resp
}

// getTriggers handles GET /api/v1/triggers
func (s *Server) getTriggers(c *gin.Context) {
	out := map[poltypes.Direction][]string{}
	for _, dir := range poltypes.Directions {
		out[dir] = append([]string{}, s.triggers.Labels(dir)...)
	}
	c.JSON(http.StatusOK, out)
}
