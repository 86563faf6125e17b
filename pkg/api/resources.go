package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/validate"
)

var createNicTagSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name": validate.TagName,
	},
	Optional: map[string]validate.Rule{
		"mtu": validate.IntRange(576, 9000),
	},
	Strict: true,
}

func (s *Server) handleCreateNicTag(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createNicTagSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	mtu, _ := intField(p, "mtu")
	tag, err := s.engine.CreateNicTag(r.Context(), strField(p, "name"), mtu)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, tag.Etag, tag)
}

func (s *Server) handleListNicTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.engine.ListNicTags(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleGetNicTag(w http.ResponseWriter, r *http.Request) {
	tag, err := s.engine.GetNicTag(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, tag.Etag, tag)
}

var updateNicTagSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name": validate.TagName,
		"mtu":  validate.IntRange(576, 9000),
	},
	Strict: true,
}

func (s *Server) handleUpdateNicTag(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateNicTagSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateNicTagParams{IfMatch: r.Header.Get("If-Match")}
	if raw, ok := p["name"]; ok {
		v, _ := validate.String(raw)
		up.Name = &v
	}
	if mtu, ok := intField(p, "mtu"); ok {
		up.MTU = &mtu
	}
	tag, err := s.engine.UpdateNicTag(r.Context(), mux.Vars(r)["name"], up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, tag.Etag, tag)
}

func (s *Server) handleDeleteNicTag(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteNicTag(r.Context(), mux.Vars(r)["name"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var createPoolSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name":     validate.NonEmpty(64),
		"networks": validate.UUIDList,
	},
	Optional: map[string]validate.Rule{
		"uuid":        validate.UUID,
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createPoolSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	networks, _ := strsField(p, "networks")
	pool, err := s.engine.CreateNetworkPool(r.Context(), registry.CreatePoolParams{
		UUID:        strField(p, "uuid"),
		Name:        strField(p, "name"),
		Networks:    networks,
		Description: strField(p, "description"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, pool.Etag, pool)
}

var listPoolsSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":             validate.NonEmpty(64),
		"network_uuid":     validate.UUID,
		"provisionable_by": validate.UUID,
		"limit":            validate.Limit,
		"offset":           validate.Offset,
	},
	Strict: true,
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := listPoolsSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	f := registry.PoolFilter{
		Name:            strField(p, "name"),
		NetworkUUID:     strField(p, "network_uuid"),
		ProvisionableBy: strField(p, "provisionable_by"),
	}
	f.Limit, f.Offset = window(p)
	pools, err := s.engine.ListNetworkPools(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.GetNetworkPool(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, pool.Etag, pool)
}

var updatePoolSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":        validate.NonEmpty(64),
		"networks":    validate.UUIDList,
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updatePoolSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdatePoolParams{IfMatch: r.Header.Get("If-Match")}
	if raw, ok := p["name"]; ok {
		v, _ := validate.String(raw)
		up.Name = &v
	}
	if networks, ok := strsField(p, "networks"); ok {
		up.Networks = &networks
	}
	if raw, ok := p["description"]; ok {
		v, _ := validate.String(raw)
		up.Description = &v
	}
	pool, err := s.engine.UpdateNetworkPool(r.Context(), mux.Vars(r)["uuid"], up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, pool.Etag, pool)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteNetworkPool(r.Context(), mux.Vars(r)["uuid"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var lacpModes = validate.Enum(registry.LACPOff, registry.LACPActive, registry.LACPPassive)

var macListRule = func(field string, raw json.RawMessage) *util.FieldError {
	list, ok := validate.Strings(raw)
	if !ok {
		fe := util.InvalidParam(field, "must be a list of MAC addresses")
		return &fe
	}
	for _, s := range list {
		if _, err := addr.ParseMAC(s); err != nil {
			fe := util.InvalidParam(field, "invalid MAC address "+s)
			return &fe
		}
	}
	return nil
}

var createAggrSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name": validate.InterfaceName,
		"macs": macListRule,
	},
	Optional: map[string]validate.Rule{
		"lacp_mode":         lacpModes,
		"nic_tags_provided": tagListRule,
	},
	Strict: true,
}

func parseMACList(list []string) []addr.MAC {
	out := make([]addr.MAC, 0, len(list))
	for _, s := range list {
		if m, err := addr.ParseMAC(s); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) handleCreateAggr(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createAggrSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	macs, _ := strsField(p, "macs")
	tags, _ := strsField(p, "nic_tags_provided")
	aggr, err := s.engine.CreateAggregation(r.Context(), registry.CreateAggrParams{
		Name:            strField(p, "name"),
		MACs:            parseMACList(macs),
		LACPMode:        strField(p, "lacp_mode"),
		NicTagsProvided: tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, aggr.Etag, aggr)
}

var listAggrsSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"belongs_to_uuid": validate.UUID,
		"macs":            macListRule,
		"nic_tag":         validate.TagName,
		"limit":           validate.Limit,
		"offset":          validate.Offset,
	},
	Strict: true,
}

func (s *Server) handleListAggrs(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := listAggrsSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	f := registry.AggrFilter{
		BelongsToUUID: strField(p, "belongs_to_uuid"),
		NicTag:        strField(p, "nic_tag"),
	}
	if macs, ok := strsField(p, "macs"); ok && len(macs) > 0 {
		if m, err := addr.ParseMAC(macs[0]); err == nil {
			f.MAC = &m
		}
	}
	f.Limit, f.Offset = window(p)
	aggrs, err := s.engine.ListAggregations(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggrs)
}

func (s *Server) handleGetAggr(w http.ResponseWriter, r *http.Request) {
	aggr, err := s.engine.GetAggregation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, aggr.Etag, aggr)
}

var updateAggrSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"macs":              macListRule,
		"lacp_mode":         lacpModes,
		"nic_tags_provided": tagListRule,
	},
	Strict: true,
}

func (s *Server) handleUpdateAggr(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateAggrSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateAggrParams{IfMatch: r.Header.Get("If-Match")}
	if macs, ok := strsField(p, "macs"); ok {
		list := parseMACList(macs)
		up.MACs = &list
	}
	if raw, ok := p["lacp_mode"]; ok {
		v, _ := validate.String(raw)
		up.LACPMode = &v
	}
	if tags, ok := strsField(p, "nic_tags_provided"); ok {
		up.NicTagsProvided = &tags
	}
	aggr, err := s.engine.UpdateAggregation(r.Context(), mux.Vars(r)["id"], up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, aggr.Etag, aggr)
}

func (s *Server) handleDeleteAggr(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteAggregation(r.Context(), mux.Vars(r)["id"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
